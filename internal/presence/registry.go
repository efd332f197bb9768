// Package presence tracks live connections per tenant. State lives only in
// memory and is rebuilt from scratch as clients reconnect.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deskchat/deskchat/internal/auth"
)

// Sink receives encoded frames for one connection. Deliver must not block;
// it returns false when the frame was dropped.
type Sink interface {
	Deliver(frame []byte) bool
}

// Entry is one live connection.
type Entry struct {
	ConnID      string
	Identity    auth.Identity
	TenantID    string
	ConnectedAt time.Time

	sink    Sink
	threads map[string]struct{}
}

// Registry maps connection ids to identities and thread subgroups.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Entry
	threads map[string]map[string]struct{} // thread id -> conn ids
	now     func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]*Entry),
		threads: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Register records a connection. Registering an id twice replaces the
// previous entry.
func (r *Registry) Register(connID string, id auth.Identity, tenantID string, sink Sink) (Entry, error) {
	if connID == "" {
		return Entry{}, fmt.Errorf("presence: connection id is required")
	}
	if tenantID == "" {
		return Entry{}, fmt.Errorf("presence: tenant id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID)
	e := &Entry{
		ConnID:      connID,
		Identity:    id,
		TenantID:    tenantID,
		ConnectedAt: r.now(),
		sink:        sink,
		threads:     make(map[string]struct{}),
	}
	r.conns[connID] = e
	return *e, nil
}

// Unregister removes a connection and its thread memberships. Safe to call
// more than once; the second call reports false.
func (r *Registry) Unregister(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.removeLocked(connID)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) removeLocked(connID string) (*Entry, bool) {
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	for th := range e.threads {
		members := r.threads[th]
		delete(members, connID)
		if len(members) == 0 {
			delete(r.threads, th)
		}
	}
	delete(r.conns, connID)
	return e, true
}

// Get returns the entry for a connection.
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ListByTenant returns every connection of a tenant, oldest first.
func (r *Registry) ListByTenant(tenantID string) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range r.conns {
		if e.TenantID == tenantID {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()
	sortEntries(out)
	return out
}

// OnlineUsers returns one entry per distinct user of a tenant, keeping each
// user's earliest connection.
func (r *Registry) OnlineUsers(tenantID string) []Entry {
	all := r.ListByTenant(tenantID)
	seen := make(map[string]struct{}, len(all))
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if _, dup := seen[e.Identity.UserID]; dup {
			continue
		}
		seen[e.Identity.UserID] = struct{}{}
		out = append(out, e)
	}
	return out
}

// CountUser returns how many live connections a user has in a tenant.
func (r *Registry) CountUser(tenantID, userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.conns {
		if e.TenantID == tenantID && e.Identity.UserID == userID {
			n++
		}
	}
	return n
}

// FindConnection returns the most recent connection of a user.
func (r *Registry) FindConnection(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Entry
	for _, e := range r.conns {
		if e.Identity.UserID != userID {
			continue
		}
		if best == nil || e.ConnectedAt.After(best.ConnectedAt) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.ConnID, true
}

// JoinThread adds a connection to a thread subgroup.
func (r *Registry) JoinThread(connID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("presence: unknown connection %s", connID)
	}
	e.threads[threadID] = struct{}{}
	members, ok := r.threads[threadID]
	if !ok {
		members = make(map[string]struct{})
		r.threads[threadID] = members
	}
	members[connID] = struct{}{}
	return nil
}

// SendTo delivers a frame to one connection.
func (r *Registry) SendTo(connID string, frame []byte) bool {
	r.mu.RLock()
	e, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok || e.sink == nil {
		return false
	}
	return e.sink.Deliver(frame)
}

// BroadcastTenant delivers a frame to every connection of a tenant except
// the one named by exceptConnID (empty excludes nobody).
func (r *Registry) BroadcastTenant(tenantID, exceptConnID string, frame []byte) int {
	return r.fanout(frame, func(e *Entry) bool {
		return e.TenantID == tenantID && e.ConnID != exceptConnID
	})
}

// BroadcastThread delivers a frame to every connection joined to a thread
// that also belongs to tenantID.
func (r *Registry) BroadcastThread(tenantID, threadID string, frame []byte) int {
	r.mu.RLock()
	targets := make([]Sink, 0, len(r.threads[threadID]))
	for id := range r.threads[threadID] {
		if e := r.conns[id]; e != nil && e.TenantID == tenantID && e.sink != nil {
			targets = append(targets, e.sink)
		}
	}
	r.mu.RUnlock()
	return deliverAll(targets, frame)
}

func (r *Registry) fanout(frame []byte, match func(*Entry) bool) int {
	r.mu.RLock()
	targets := make([]Sink, 0)
	for _, e := range r.conns {
		if e.sink != nil && match(e) {
			targets = append(targets, e.sink)
		}
	}
	r.mu.RUnlock()
	return deliverAll(targets, frame)
}

func deliverAll(targets []Sink, frame []byte) int {
	n := 0
	for _, s := range targets {
		if s.Deliver(frame) {
			n++
		}
	}
	return n
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].ConnectedAt.Equal(es[j].ConnectedAt) {
			return es[i].ConnID < es[j].ConnID
		}
		return es[i].ConnectedAt.Before(es[j].ConnectedAt)
	})
}
