package connector

import "sync"

// symbolLocks serializes order-mutating exchange calls per symbol. Distinct
// symbols proceed in parallel; the map only ever grows by the handful of
// symbols this exchange trades.
type symbolLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{m: make(map[string]*sync.Mutex)}
}

// lock acquires the symbol's mutex and returns its release.
func (s *symbolLocks) lock(symbol string) func() {
	s.mu.Lock()
	l, ok := s.m[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.m[symbol] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
