package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/petervdpas/swarmchat/internal/identity"
)

var ErrBadSignature = errors.New("signature verification failed")

// SignedMessage is the outer wire envelope: the author's public key, the
// serialized WireMessage bytes, and the author's signature over those bytes.
type SignedMessage struct {
	From      []byte `json:"from"`
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}

// ReceivedMessage is the result of verifying and decoding an envelope.
type ReceivedMessage struct {
	From      identity.NodeID
	Timestamp uint64
	Message   Message
}

// SignAndEncode frames msg with the current timestamp, signs the frame with
// secretKey, and returns the serialized envelope ready for broadcast.
func SignAndEncode(secretKey crypto.PrivKey, msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	wire := WireMessage{
		Version:   WireVersion,
		Timestamp: NowMicros(),
		Message:   msg,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}
	sig, err := secretKey.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	from, err := identity.FromPrivateKey(secretKey)
	if err != nil {
		return nil, err
	}
	signed := SignedMessage{From: from.Bytes(), Data: data, Signature: sig}
	encoded, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return encoded, nil
}

// VerifyAndDecode parses an envelope, checks the signature against the
// embedded public key, and decodes the inner frame. Any failure means the
// caller must drop the message; none of the partial content is returned.
func VerifyAndDecode(data []byte) (*ReceivedMessage, error) {
	var signed SignedMessage
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	from, err := identity.FromBytes(signed.From)
	if err != nil {
		return nil, err
	}
	pub, err := from.PublicKey()
	if err != nil {
		return nil, err
	}
	ok, err := pub.Verify(signed.Data, signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return nil, ErrBadSignature
	}
	var wire WireMessage
	if err := json.Unmarshal(signed.Data, &wire); err != nil {
		return nil, fmt.Errorf("decode wire message: %w", err)
	}
	if wire.Version != WireVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, wire.Version)
	}
	if err := wire.Message.validate(); err != nil {
		return nil, err
	}
	return &ReceivedMessage{
		From:      from,
		Timestamp: wire.Timestamp,
		Message:   wire.Message,
	}, nil
}
