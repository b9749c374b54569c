package twophase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"splinter/internal/cryptoutil"
	"splinter/internal/peer"
	"splinter/internal/wire"
)

// fakeManager is a twophase.Manager that always validates proposals and
// records accept/reject calls for assertions.
type fakeManager struct {
	mu       sync.Mutex
	pending  []*ProposalContent
	accepted []ProposalID
	rejected []ProposalID
}

func (m *fakeManager) CreateProposal(ctx context.Context) (*ProposalContent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, false, nil
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	return next, true, nil
}

func (m *fakeManager) CheckProposal(ctx context.Context, content *ProposalContent) error {
	return nil
}

func (m *fakeManager) AcceptProposal(ctx context.Context, id ProposalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, id)
	return nil
}

func (m *fakeManager) RejectProposal(ctx context.Context, id ProposalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, id)
	return nil
}

func (m *fakeManager) acceptedIDs() []ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProposalID(nil), m.accepted...)
}

func (m *fakeManager) rejectedIDs() []ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProposalID(nil), m.rejected...)
}

func mustPeerID(t *testing.T, seed byte) cryptoutil.PeerID {
	t.Helper()
	b := make([]byte, 20)
	for i := range b {
		b[i] = seed
	}
	id, err := cryptoutil.NewPeerID(cryptoutil.PeerIDPrefix, b)
	require.NoError(t, err)
	return id
}

// directRoute is a peer.Manager that forwards every send/broadcast
// straight into a paired engine's DeliverNetworkMessage, standing in for a
// real transport in single-process two-node tests.
type directRoute struct {
	self cryptoutil.PeerID
	peer *Engine // nil until both engines exist; set after construction
	drop bool
}

func (r *directRoute) Send(ctx context.Context, target cryptoutil.PeerID, msg peer.Message) error {
	return r.deliver(msg)
}

func (r *directRoute) Broadcast(ctx context.Context, msg peer.Message) error {
	return r.deliver(msg)
}

func (r *directRoute) Subscribe(ctx context.Context) (<-chan peer.Event, error) {
	return make(chan peer.Event), nil
}

func (r *directRoute) deliver(msg peer.Message) error {
	if r.drop || r.peer == nil {
		return nil
	}
	var tpm wire.TwoPhaseMessage
	if err := json.Unmarshal(msg.Payload, &tpm); err != nil {
		return err
	}
	r.peer.DeliverNetworkMessage(r.self, &tpm)
	return nil
}

func TestTwoPartyCommitAccepts(t *testing.T) {
	a := mustPeerID(t, 0x01)
	b := mustPeerID(t, 0x02)
	verifiers := []cryptoutil.PeerID{a, b}

	mgrA := &fakeManager{pending: []*ProposalContent{{ID: "p1", Data: []byte("x")}}}
	mgrB := &fakeManager{}

	routeA := &directRoute{self: a}
	routeB := &directRoute{self: b}

	engA := NewEngine(a, verifiers, mgrA, routeA, WithCoordinatorTimeout(2*time.Second))
	engB := NewEngine(b, verifiers, mgrB, routeB, WithCoordinatorTimeout(2*time.Second))

	routeA.peer = engB
	routeB.peer = engA

	// In production the admin service relays proposal content
	// ("ProposalReceived") to every verifier independent of the
	// VERIFICATION_REQUEST; this test injects it directly.
	engB.DeliverProposalContent(&ProposalContent{ID: "p1", Data: []byte("x")})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = engA.Run(ctx) }()
	go func() { defer wg.Done(); _ = engB.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(mgrA.acceptedIDs()) == 1 && len(mgrB.acceptedIDs()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()

	require.Equal(t, []ProposalID{"p1"}, mgrA.acceptedIDs())
	require.Equal(t, []ProposalID{"p1"}, mgrB.acceptedIDs())
}

func TestCoordinatorTimeoutRejects(t *testing.T) {
	a := mustPeerID(t, 0x01)
	b := mustPeerID(t, 0x02)
	verifiers := []cryptoutil.PeerID{a, b}

	mgrA := &fakeManager{pending: []*ProposalContent{{ID: "p1", Data: []byte("x")}}}

	// b never responds: the route drops everything, simulating an
	// unresponsive peer so the coordinator timeout fires.
	engA := NewEngine(a, verifiers, mgrA, &directRoute{self: a, drop: true}, WithCoordinatorTimeout(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() { _ = engA.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		return len(mgrA.rejectedIDs()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
