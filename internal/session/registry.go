package session

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Info describes an active session for status reporting.
type Info struct {
	Seq    uint64    `json:"seq"`
	ID     string    `json:"id"`
	Remote string    `json:"remote"`
	Since  time.Time `json:"since"`

	StreamsAccepted int64 `json:"streamsAccepted"` // every stream so far
	StreamsActive   int64 `json:"streamsActive"`   // streams still being served
}

// registry maintains the seq → session table of active sessions.
type registry struct {
	mu       sync.Mutex
	sessions map[uint64]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uint64]*session)}
}

// add stores s in the table.
func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.seq] = s
}

// remove drops the session with the given seq.
func (r *registry) remove(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, seq)
}

// len returns the number of active sessions.
func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// list returns a description of every active session ordered by seq.
func (r *registry) list() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
