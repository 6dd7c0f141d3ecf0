package doc

import "sync"

// pendingSet records logical keys whose content hash was seen before the
// bytes replicated. When a content-ready notification arrives the matching
// keys are taken out and re-read.
type pendingSet struct {
	mu   sync.Mutex
	keys map[Hash][][]byte
}

func newPendingSet() *pendingSet {
	return &pendingSet{keys: map[Hash][][]byte{}}
}

func (p *pendingSet) Add(h Hash, key []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys[h] {
		if string(k) == string(key) {
			return
		}
	}
	p.keys[h] = append(p.keys[h], append([]byte(nil), key...))
}

// TakeReady removes and returns the keys waiting on h.
func (p *pendingSet) TakeReady(h Hash) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.keys[h]
	delete(p.keys, h)
	return keys
}

func (p *pendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, keys := range p.keys {
		n += len(keys)
	}
	return n
}
