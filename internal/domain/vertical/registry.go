package vertical

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoParser        = errors.New("no parser registered for vertical")
	ErrParserDuplicate = errors.New("parser already registered for vertical")
)

// Parser turns raw aggregator payloads for one vertical into records.
type Parser interface {
	Type() Type
	ParseDiscovery(payload []byte) ([]DiscoveredAccount, error)
	ParseStatement(payload []byte) (*Statement, error)
}

// Registry maps vertical tags to parsers. Adding a vertical means
// registering one more Parser; nothing else switches on the tag.
type Registry struct {
	mu      sync.RWMutex
	parsers map[Type]Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: make(map[Type]Parser)}
}

// DefaultRegistry returns a registry holding the four built-in verticals.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []Parser{BankParser{}, MutualFundParser{}, DematParser{}, InsuranceParser{}} {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.parsers[p.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrParserDuplicate, p.Type())
	}
	r.parsers[p.Type()] = p
	return nil
}

func (r *Registry) Lookup(t Type) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.parsers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoParser, t)
	}
	return p, nil
}

// Types lists registered tags in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.parsers))
	for t := range r.parsers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
