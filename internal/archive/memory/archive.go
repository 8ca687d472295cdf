// Package memory contains an in-memory fragment archive for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive stores archived batches for inspection.
type Archive struct {
	mu      sync.RWMutex
	objects map[string][]string
}

// New returns a memory Archive.
func New() *Archive {
	return &Archive{objects: make(map[string][]string)}
}

// Archive records the fragments under path and returns a mem:// URI.
func (a *Archive) Archive(_ context.Context, path string, fragments []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored := make([]string, len(fragments))
	copy(stored, fragments)
	a.objects[path] = stored
	return fmt.Sprintf("mem://%s", path), nil
}

// Object returns the fragments stored under path.
func (a *Archive) Object(path string) ([]string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	frags, ok := a.objects[path]
	return frags, ok
}

// Len reports the number of archived objects.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
