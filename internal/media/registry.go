package media

import (
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
)

// Registry holds the available backends.
type Registry struct {
	mu       sync.RWMutex
	backends []Backend
}

// NewRegistry creates a registry with the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds a backend, replacing any with the same name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = slices.DeleteFunc(r.backends, func(e Backend) bool { return e.Name() == b.Name() })
	r.backends = append(r.backends, b)
}

// Find returns the backend registered under name.
func (r *Registry) Find(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Name() == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFormatNotFound, name)
}

// Backends returns the registered backends in registration order.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.backends)
}

// Probe returns the backend with the highest score for pd.
func (r *Registry) Probe(pd ProbeData) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Backend
	bestScore := 0
	for _, b := range r.backends {
		if s := b.Probe(pd); s > bestScore {
			best, bestScore = b, s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrFormatNotFound, pd.URL)
	}
	return best, nil
}

// URLExtension returns the lower case extension of the path of rawURL
// without the leading dot.
func URLExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
}

// MatchExtension scores pd by URL extension against exts.
func MatchExtension(pd ProbeData, exts []string) int {
	if pd.URL == "" {
		return 0
	}
	if slices.Contains(exts, URLExtension(pd.URL)) {
		return ProbeScoreExtension
	}
	return 0
}
