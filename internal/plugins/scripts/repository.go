package scripts

import (
	"context"
	"sort"
	"sync"
)

// ScriptRepository defines the data access contract for scripts.
type ScriptRepository interface {
	List(ctx context.Context) ([]Script, error)

	// Get returns the script, or nil when it does not exist.
	Get(ctx context.Context, name string) (*Script, error)

	Put(ctx context.Context, s *Script) error

	// Delete removes the script and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// memoryRepository keeps scripts in process memory.
type memoryRepository struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() ScriptRepository {
	return &memoryRepository{scripts: make(map[string]Script)}
}

func (r *memoryRepository) List(context.Context) ([]Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryRepository) Get(_ context.Context, name string) (*Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scripts[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memoryRepository) Put(_ context.Context, s *Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[s.Name] = *s
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.scripts[name]
	delete(r.scripts, name)
	return ok, nil
}
