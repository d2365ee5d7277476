package voice

import (
	"sync"

	"github.com/google/uuid"

	"github.com/simverse/voicebridge/pkg/janus"
)

// ViewerSession is the correlation object the simulator's capability layer
// uses to find one client's gateway state across requests. It is created on
// the first provisioning request that carries no viewer-session id, looked
// up by id thereafter, and torn down on logout or a gateway hangup.
type ViewerSession struct {
	// ID is the token handed back to the capability layer.
	ID string

	// AgentID is the simulator-side identity of the client.
	AgentID string

	// Handle is this client's own plugin handle, carrying its
	// PeerConnection toward the gateway.
	Handle *janus.PluginHandle

	// Room is the room the client is currently joined to, nil before the
	// first join and after leaving.
	Room *Room

	// SDPOfferOriginal is the offer exactly as received from the client;
	// SDPOffer is the (possibly rewritten) form sent to the gateway.
	SDPOfferOriginal string
	SDPOffer         string

	// SDPAnswer is the gateway's answer SDP after a successful join.
	SDPAnswer string
}

// Store holds the live viewer sessions for one bridge process. It has a
// documented lifetime: constructed once at service startup and passed by
// reference to every collaborator that needs lookups — never a package-level
// singleton. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*ViewerSession
}

// NewStore creates an empty viewer-session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*ViewerSession)}
}

// Create registers a new viewer session for the given agent and returns it
// with a freshly generated id.
func (st *Store) Create(agentID string) *ViewerSession {
	vs := &ViewerSession{
		ID:      uuid.NewString(),
		AgentID: agentID,
	}
	st.mu.Lock()
	st.sessions[vs.ID] = vs
	st.mu.Unlock()
	return vs
}

// Get returns the viewer session with the given id, or nil.
func (st *Store) Get(id string) *ViewerSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// Remove deletes and returns the viewer session with the given id, or nil
// when unknown. Removing twice is harmless.
func (st *Store) Remove(id string) *ViewerSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	vs := st.sessions[id]
	delete(st.sessions, id)
	return vs
}

// ByHandle returns the viewer session whose plugin handle has the given
// gateway identifier, or nil. Used to correlate gateway-originated events
// (hangup, detach) back to a client. Linear scan; session counts are small.
func (st *Store) ByHandle(handleID string) *ViewerSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, vs := range st.sessions {
		if vs.Handle != nil && vs.Handle.ID() == handleID {
			return vs
		}
	}
	return nil
}

// Len returns the number of live viewer sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// All returns a snapshot of the live viewer sessions, for teardown sweeps.
func (st *Store) All() []*ViewerSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*ViewerSession, 0, len(st.sessions))
	for _, vs := range st.sessions {
		out = append(out, vs)
	}
	return out
}
