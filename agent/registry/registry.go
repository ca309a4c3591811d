package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/guseggert/shellagent/agent/process"
)

var (
	ErrSessionBusy     = errors.New("command already running for this session")
	ErrReservationLost = errors.New("session reservation was removed before the process was registered")
)

type entry struct {
	proc *process.Process
}

// Registry maps session IDs to the one live process bound to each of them.
// It is safe for concurrent use.
type Registry struct {
	mut     sync.RWMutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register binds p to sessionID, failing with ErrSessionBusy if the session already has an entry.
func (r *Registry) Register(sessionID string, p *process.Process) error {
	res, err := r.Reserve(sessionID)
	if err != nil {
		return err
	}
	return res.Commit(p)
}

// Reserve claims sessionID before a process exists, so that a caller can check-and-insert atomically
// around a slow spawn. A reserved session is busy for Register and Reserve but is not visible to Lookup.
// The reservation must be either committed or released.
func (r *Registry) Reserve(sessionID string) (*Reservation, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.entries[sessionID]; ok {
		return nil, ErrSessionBusy
	}
	e := &entry{}
	r.entries[sessionID] = e
	return &Reservation{r: r, sessionID: sessionID, e: e}, nil
}

// Lookup returns the process bound to sessionID.
func (r *Registry) Lookup(sessionID string) (*process.Process, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok || e.proc == nil {
		return nil, false
	}
	return e.proc, true
}

// Deregister removes the entry for sessionID. Removing an absent entry is a no-op.
func (r *Registry) Deregister(sessionID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.entries, sessionID)
}

// DeregisterProcess removes the entry for sessionID only if it is still bound to p.
// It reports whether an entry was removed.
func (r *Registry) DeregisterProcess(sessionID string, p *process.Process) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || e.proc != p {
		return false
	}
	delete(r.entries, sessionID)
	return true
}

// Sessions returns the sorted IDs of sessions that have a registered process.
func (r *Registry) Sessions() []string {
	r.mut.RLock()
	defer r.mut.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.proc != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	return len(r.Sessions())
}

type Reservation struct {
	r         *Registry
	sessionID string
	e         *entry
}

// Commit binds p to the reserved session.
func (res *Reservation) Commit(p *process.Process) error {
	res.r.mut.Lock()
	defer res.r.mut.Unlock()
	if res.r.entries[res.sessionID] != res.e {
		return ErrReservationLost
	}
	res.e.proc = p
	return nil
}

// Release gives up a reservation that was not committed.
func (res *Reservation) Release() {
	res.r.mut.Lock()
	defer res.r.mut.Unlock()
	if res.r.entries[res.sessionID] == res.e && res.e.proc == nil {
		delete(res.r.entries, res.sessionID)
	}
}
