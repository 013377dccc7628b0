// Package handles tracks read handles opened on pipeline files so they can be
// released before a file is moved.
package handles

import (
	"os"
	"path/filepath"
	"sync"
)

// Registry records every file opened through it until the handle is closed.
type Registry struct {
	mu   sync.Mutex
	open map[string]map[*Handle]struct{}
}

// Handle is an *os.File whose Close also deregisters it.
type Handle struct {
	*os.File
	key      string
	registry *Registry
	once     sync.Once
	closeErr error
}

func NewRegistry() *Registry {
	return &Registry{open: make(map[string]map[*Handle]struct{})}
}

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Open opens path read-only and tracks the handle.
func (r *Registry) Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h := &Handle{File: f, key: key(path), registry: r}

	r.mu.Lock()
	set, ok := r.open[h.key]
	if !ok {
		set = make(map[*Handle]struct{})
		r.open[h.key] = set
	}
	set[h] = struct{}{}
	r.mu.Unlock()
	return h, nil
}

// Close closes the file once and forgets it.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.closeErr = h.File.Close()
		h.registry.forget(h)
	})
	return h.closeErr
}

func (r *Registry) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.open[h.key]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(r.open, h.key)
		}
	}
}

// Release closes every handle still open on path and returns how many were closed.
func (r *Registry) Release(path string) int {
	k := key(path)
	r.mu.Lock()
	set := r.open[k]
	victims := make([]*Handle, 0, len(set))
	for h := range set {
		victims = append(victims, h)
	}
	r.mu.Unlock()

	for _, h := range victims {
		_ = h.Close()
	}
	return len(victims)
}

// OpenCount returns the number of tracked handles on path.
func (r *Registry) OpenCount(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open[key(path)])
}
