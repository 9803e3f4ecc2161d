package target

import (
	"sync"

	"github.com/go-faster/errors"
)

// ErrProbeBusy is returned when a probe is already owned by a live session.
var ErrProbeBusy = errors.New("probe already in use by another session")

// Registry tracks which session owns which probe. A server holds one
// registry for all of its sessions.
type Registry struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewRegistry() *Registry {
	return &Registry{owners: make(map[string]string)}
}

// Claim marks probe as owned by owner. The returned function gives the
// probe back and may be called more than once.
func (r *Registry) Claim(probe, owner string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[probe]; ok {
		return nil, errors.Wrapf(ErrProbeBusy, "%s (session %s)", probe, cur)
	}
	r.owners[probe] = owner

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.owners[probe] == owner {
				delete(r.owners, probe)
			}
		})
	}, nil
}

// Owner returns the session owning probe, if any.
func (r *Registry) Owner(probe string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[probe]
	return o, ok
}
