package content

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/petervdpas/swarmchat/internal/doc"
)

var ErrNotFound = errors.New("blob not found")

// Store is a content-addressed blob store on disk. Values too large to
// inline in the entry table land here under their sha256 hash; a blob that
// is absent simply has not replicated yet.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: abs}, nil
}

// path shards blobs into two-character directories to keep any single
// directory from growing unbounded.
func (s *Store) path(h doc.Hash) string {
	hex := h.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

// Put writes data under its hash. Writing is atomic: a temp file in the
// final directory followed by a rename, so readers never observe a partial
// blob. Re-putting existing content is a no-op.
func (s *Store) Put(data []byte) (doc.Hash, error) {
	h := doc.HashOf(data)
	dest := s.path(h)
	if _, err := os.Stat(dest); err == nil {
		return h, nil
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return h, err
	}
	f, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return h, err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return h, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return h, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return h, err
	}
	return h, os.Rename(tmp, dest)
}

// Get resolves a hash to its bytes.
func (s *Store) Get(h doc.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Has reports whether the blob is present locally.
func (s *Store) Has(h doc.Hash) bool {
	_, err := os.Stat(s.path(h))
	return err == nil
}
