// Package peer defines the peer connection manager seam Splinter's core
// consumes (spec.md §1, §2 C2) plus a minimal in-process implementation
// used for tests and single-host deployments. Production transports
// (TLS-terminated TCP, etc.) implement the same Manager interface.
package peer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"splinter/internal/cryptoutil"
)

// Message is the unit the peer manager moves between nodes, mirroring
// p2p.Message{Type, Payload} in spirit: a tagged byte payload the caller
// interprets (admin, 2PC, or authorization envelopes, each JSON-encoded).
// From is stamped by the Manager implementation on delivery, never by the
// sending caller, since callers only know their own payload, not how the
// transport identifies them to the recipient.
type Message struct {
	Channel string // "admin", "2pc", "auth"
	Payload []byte
	From    cryptoutil.PeerID
}

// Event is a connection lifecycle notification.
type EventKind string

const (
	EventConnected    EventKind = "Connected"
	EventDisconnected EventKind = "Disconnected"
)

type Event struct {
	Kind EventKind
	Peer cryptoutil.PeerID
}

// Manager is the capability surface the admin service, the 2PC engine, and
// the authorization handshake all consume. It is never implemented by this
// module's domain logic; it is implemented by the transport layer.
type Manager interface {
	// Send delivers msg to exactly one peer. Returns an error if the peer
	// is unknown or the transport is closed.
	Send(ctx context.Context, target cryptoutil.PeerID, msg Message) error
	// Broadcast delivers msg to every currently connected peer.
	Broadcast(ctx context.Context, msg Message) error
	// Subscribe registers a channel that receives connect/disconnect
	// notifications until ctx is canceled.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Inbound is implemented by Manager implementations that expose this node's
// own receive side for a dispatch loop to drain, the way a real transport's
// accept loop would feed its own inbound channel.
type Inbound interface {
	Inbox() <-chan Message
}

// InMemory is a Manager implementation that routes messages directly
// between Splinter nodes sharing the same process, for tests and for
// single-host demo deployments. It applies a per-target rate limit to Send;
// Broadcast is not rate limited.
type InMemory struct {
	mu        sync.RWMutex
	self      cryptoutil.PeerID
	peers     map[string]chan Message
	limiters  map[string]*rate.Limiter
	subs      []chan Event
	rateLimit rate.Limit
	burst     int
	inbox     chan Message
}

// NewInMemory constructs an InMemory manager identified by self. rateLimit
// and burst configure the golang.org/x/time/rate limiter that Send applies
// per target peer registered through Register; zero rateLimit disables
// limiting. self is pre-registered against its own inbox, so Send reaches it
// like any other registered peer, including from this same manager's own
// daemon process; Broadcast skips it.
func NewInMemory(self cryptoutil.PeerID, rateLimit rate.Limit, burst int) *InMemory {
	m := &InMemory{
		self:      self,
		peers:     make(map[string]chan Message),
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rateLimit,
		burst:     burst,
		inbox:     make(chan Message, 256),
	}
	m.peers[self.String()] = m.inbox
	return m
}

// Inbox returns the channel carrying messages addressed to self, for a
// dispatch loop to drain into the admin service / 2PC engine / wireauth.
func (m *InMemory) Inbox() <-chan Message {
	return m.inbox
}

// Register wires another in-process node's inbox into this manager, for
// test harnesses and single-host deployments that construct a whole
// in-memory network sharing one hub.
func (m *InMemory) Register(id cryptoutil.PeerID, inbox chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id.String()] = inbox
	if m.rateLimit > 0 {
		m.limiters[id.String()] = rate.NewLimiter(m.rateLimit, m.burst)
	}
	for _, sub := range m.subs {
		select {
		case sub <- Event{Kind: EventConnected, Peer: id}:
		default:
		}
	}
}

func (m *InMemory) Send(ctx context.Context, target cryptoutil.PeerID, msg Message) error {
	m.mu.RLock()
	inbox, ok := m.peers[target.String()]
	limiter := m.limiters[target.String()]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer: unknown peer %s", target.String())
	}
	if limiter != nil && !limiter.Allow() {
		return fmt.Errorf("peer: rate limit exceeded for %s", target.String())
	}
	msg.From = m.self
	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *InMemory) Broadcast(ctx context.Context, msg Message) error {
	m.mu.RLock()
	targets := make([]chan Message, 0, len(m.peers))
	for id, inbox := range m.peers {
		if id == m.self.String() {
			continue
		}
		targets = append(targets, inbox)
	}
	m.mu.RUnlock()
	msg.From = m.self
	for _, inbox := range targets {
		select {
		case inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *InMemory) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}
