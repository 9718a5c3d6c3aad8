// Package registry maps map ids to the directory that owns their files.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Table is the ownership table. It is safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	roots map[uuid.UUID]string
}

func New() *Table {
	return &Table{roots: make(map[uuid.UUID]string)}
}

// Set records root as the directory of id, replacing any previous entry.
func (t *Table) Set(id uuid.UUID, root string) {
	t.mu.Lock()
	t.roots[id] = root
	t.mu.Unlock()
}

// Root returns the directory of id.
func (t *Table) Root(id uuid.UUID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	root, ok := t.roots[id]
	return root, ok
}

func (t *Table) Remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.roots, id)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roots)
}
