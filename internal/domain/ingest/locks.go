package ingest

import (
	"sort"
	"sync"
)

// accountTokens hands out one ordering token per account key so two
// batches touching the same account ingest one after the other. It
// guards no shared memory; the storage transaction does that.
type accountTokens struct {
	mu     sync.Mutex
	tokens map[string]*token
}

type token struct {
	mu   sync.Mutex
	refs int
}

func newAccountTokens() *accountTokens {
	return &accountTokens{tokens: make(map[string]*token)}
}

// acquire takes the tokens for keys in sorted order and returns the
// release func.
func (a *accountTokens) acquire(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var held []string
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		a.mu.Lock()
		t, ok := a.tokens[k]
		if !ok {
			t = &token{}
			a.tokens[k] = t
		}
		t.refs++
		a.mu.Unlock()

		t.mu.Lock()
		held = append(held, k)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			a.mu.Lock()
			t := a.tokens[held[i]]
			t.refs--
			if t.refs == 0 {
				delete(a.tokens, held[i])
			}
			a.mu.Unlock()
			t.mu.Unlock()
		}
	}
}
