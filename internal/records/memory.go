package records

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryPartition is an in-process partition for local/dev use and tests.
type MemoryPartition struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryPartition(name string) *MemoryPartition {
	return &MemoryPartition{name: name, objects: make(map[string][]byte)}
}

func (p *MemoryPartition) Name() string { return p.name }

// Put stores a copy of body under key.
func (p *MemoryPartition) Put(key string, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = append([]byte(nil), body...)
}

// PutRecord stores body as a record of scope.
func (p *MemoryPartition) PutRecord(scope, id string, body []byte) {
	p.Put(RecordKey(scope, id), body)
}

func (p *MemoryPartition) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	body, ok := p.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (p *MemoryPartition) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0)
	for k := range p.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
