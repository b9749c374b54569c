// Package state implements the admin shared state (C4): the in-memory
// bridge between the two-phase commit engine (C3) and the admin store (C5),
// mutex-protected, with no network I/O performed while the lock is held.
// Outbound event notifications are staged under the lock and delivered only
// after it releases, the same discipline internal/twophase uses for its own
// outbound messages.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"splinter/internal/admin/store"
	"splinter/internal/circuit"
	"splinter/internal/observability/metrics"
	"splinter/internal/twophase"
)

// Subscription is a live handle to the admin event stream; Events is closed
// when the subscription's context is canceled.
type Subscription struct {
	ID     uuid.UUID
	Events <-chan circuit.AdminEvent
}

// State tracks in-flight proposals and fans out admin events, implementing
// twophase.Manager so a twophase.Engine can be driven directly from it.
type State struct {
	mu sync.Mutex

	store    store.Store
	selfNode string
	logger   *slog.Logger

	submitted  []*circuit.Proposal
	byID       map[twophase.ProposalID]*circuit.Proposal
	roundStart map[twophase.ProposalID]time.Time

	subs map[uuid.UUID]chan circuit.AdminEvent
}

// New constructs a State bound to s, for the node identified by selfNodeID.
func New(s store.Store, selfNodeID string, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		store:      s,
		selfNode:   selfNodeID,
		logger:     logger,
		byID:       make(map[twophase.ProposalID]*circuit.Proposal),
		roundStart: make(map[twophase.ProposalID]time.Time),
		subs:       make(map[uuid.UUID]chan circuit.AdminEvent),
	}
}

// ReInitializeCircuits reloads every in-flight proposal this node requested
// from the store and re-enqueues it for 2PC, so a restarted node resumes
// proposals it was coordinating rather than losing them (a supplemented
// feature absent from the distilled payload-validation-only spec text).
func (s *State) ReInitializeCircuits(ctx context.Context) error {
	proposals, err := s.store.ListProposals(ctx, store.ProposalFilter{MemberNodeID: s.selfNode})
	if err != nil {
		return fmt.Errorf("state: reinitialize: list proposals: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range proposals {
		p := proposals[i]
		if p.RequesterNodeID != s.selfNode {
			continue
		}
		s.enqueueLocked(&p)
	}
	return nil
}

// ProposalID derives the 2PC proposal identifier from a circuit payload:
// the hex SHA-256 of its canonical bytes, identical to circuit_hash since a
// proposal's content is exactly the circuit it carries.
func ProposalID(c circuit.Circuit) (twophase.ProposalID, error) {
	hash, err := circuit.Hash(c)
	if err != nil {
		return "", err
	}
	return twophase.ProposalID(hash), nil
}

// SubmitProposal validates p's embedded circuit, persists it via the store,
// records the requester's own implicit Accept vote, and enqueues it for the
// two-phase commit engine to pick up as coordinator work.
func (s *State) SubmitProposal(ctx context.Context, p circuit.Proposal) error {
	if err := p.Circuit.Validate(); err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	hash, err := circuit.Hash(p.Circuit)
	if err != nil {
		return circuit.WrapInternal(err, "hash proposal circuit")
	}
	p.CircuitHash = hash
	if !p.HasVoted(p.RequesterNodeID) {
		p.Votes = append(p.Votes, circuit.VoteRecord{
			VoterNodeID: p.RequesterNodeID,
			PublicKey:   p.Requester,
			Vote:        circuit.VoteAccept,
		})
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		metrics.Admin().RecordProposal(string(p.ProposalType), "rejected")
		return err
	}
	if _, err := s.store.AppendEvent(ctx, circuit.AdminEvent{EventType: circuit.EventProposalSubmitted, Proposal: p}); err != nil {
		s.logger.Warn("state: append ProposalSubmitted event failed", "circuit_id", p.CircuitID, "error", err)
	}
	metrics.Admin().RecordProposal(string(p.ProposalType), "submitted")
	metrics.Admin().RecordEvent(string(circuit.EventProposalSubmitted))
	s.mu.Lock()
	s.enqueueLocked(&p)
	s.mu.Unlock()
	s.publish(circuit.AdminEvent{EventType: circuit.EventProposalSubmitted, Proposal: p})
	return nil
}

func (s *State) enqueueLocked(p *circuit.Proposal) {
	s.submitted = append(s.submitted, p)
}

// CastVote records voterNodeID's vote on the in-flight proposal for
// circuitID, emitting a ProposalVote event.
func (s *State) CastVote(ctx context.Context, circuitID string, vote circuit.VoteRecord) (circuit.Proposal, error) {
	updated, err := s.store.ApplyVote(ctx, circuitID, vote)
	if err != nil {
		return circuit.Proposal{}, err
	}
	if _, err := s.store.AppendEvent(ctx, circuit.AdminEvent{EventType: circuit.EventProposalVote, Proposal: updated, Data: vote.VoterNodeID}); err != nil {
		s.logger.Warn("state: append ProposalVote event failed", "circuit_id", circuitID, "error", err)
	}
	metrics.Admin().RecordVote(string(vote.Vote))
	metrics.Admin().RecordEvent(string(circuit.EventProposalVote))
	s.publish(circuit.AdminEvent{EventType: circuit.EventProposalVote, Proposal: updated, Data: vote.VoterNodeID})
	return updated, nil
}

// Subscribe registers a new event subscriber; the returned channel is
// closed when ctx is canceled.
func (s *State) Subscribe(ctx context.Context) Subscription {
	id := uuid.New()
	ch := make(chan circuit.AdminEvent, 32)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}()
	return Subscription{ID: id, Events: ch}
}

// publish fans AdminEvent out to every live subscriber on a best-effort
// basis: a slow subscriber is dropped from, never blocks, the event.
func (s *State) publish(e circuit.AdminEvent) {
	s.mu.Lock()
	targets := make([]chan circuit.AdminEvent, 0, len(s.subs))
	for _, ch := range s.subs {
		targets = append(targets, ch)
	}
	s.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- e:
		default:
			s.logger.Warn("state: dropping admin event for slow subscriber")
		}
	}
}

// proposalEnvelope is what CreateProposal encodes into
// twophase.ProposalContent.Data: enough of the originating circuit.Proposal
// for a verifier that never called SubmitProposal itself (every node but
// the requester's own) to independently track and later commit the round.
// circuit_hash/ProposalID stay derived from Circuit alone via
// circuit.Hash, so changing this envelope never changes a circuit_hash.
type proposalEnvelope struct {
	ProposalType    circuit.ProposalType `json:"proposal_type"`
	Circuit         circuit.Circuit      `json:"circuit"`
	Requester       string               `json:"requester"`
	RequesterNodeID string               `json:"requester_node_id"`
}

// EncodeProposalContent builds the twophase.ProposalContent a coordinator's
// CreateProposal would produce for p, for callers outside this package that
// receive a full circuit.Proposal over the wire (the admin service's
// PROPOSED_CIRCUIT relay) and need to hand it to a twophase.Engine via
// DeliverProposalContent before this node's own CheckProposal ever runs.
func EncodeProposalContent(p circuit.Proposal) (*twophase.ProposalContent, error) {
	id, err := ProposalID(p.Circuit)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(proposalEnvelope{
		ProposalType:    p.ProposalType,
		Circuit:         p.Circuit,
		Requester:       p.Requester,
		RequesterNodeID: p.RequesterNodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("state: encode proposal content: %w", err)
	}
	return &twophase.ProposalContent{ID: id, Data: data}, nil
}

// CreateProposal implements twophase.Manager: pops the next locally
// submitted proposal awaiting coordination.
func (s *State) CreateProposal(ctx context.Context) (*twophase.ProposalContent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitted) == 0 {
		return nil, false, nil
	}
	p := s.submitted[0]
	s.submitted = s.submitted[1:]
	content, err := EncodeProposalContent(*p)
	if err != nil {
		return nil, false, err
	}
	s.byID[content.ID] = p
	s.roundStart[content.ID] = time.Now()
	return content, true, nil
}

// CheckProposal implements twophase.Manager: re-validates the circuit
// payload carried by content and, if this node has never seen the proposal
// before (every verifier but the coordinator that created it), persists it
// to the local store and tracks it the same way CreateProposal does. Without
// this a participant node has nothing in its own store or byID map for
// AcceptProposal/RejectProposal to find once the coordinator's decision
// arrives.
func (s *State) CheckProposal(ctx context.Context, content *twophase.ProposalContent) error {
	var env proposalEnvelope
	if err := json.Unmarshal(content.Data, &env); err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	if err := env.Circuit.Validate(); err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}

	s.mu.Lock()
	_, tracked := s.byID[content.ID]
	s.mu.Unlock()
	if tracked {
		return nil
	}

	p := &circuit.Proposal{
		CircuitID:       env.Circuit.CircuitID,
		ProposalType:    env.ProposalType,
		Circuit:         env.Circuit,
		CircuitHash:     string(content.ID),
		Requester:       env.Requester,
		RequesterNodeID: env.RequesterNodeID,
	}
	if _, exists, err := s.store.FetchProposal(ctx, p.CircuitID); err != nil {
		return circuit.WrapInternal(err, "fetch proposal for check")
	} else if !exists {
		if err := s.store.CreateProposal(ctx, *p); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.byID[content.ID] = p
	s.roundStart[content.ID] = time.Now()
	s.mu.Unlock()
	return nil
}

// AcceptProposal implements twophase.Manager: commits the accepted
// proposal's circuit via the store in one transaction and emits the
// resulting lifecycle event.
func (s *State) AcceptProposal(ctx context.Context, id twophase.ProposalID) error {
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("state: accept: unknown proposal %s", id)
	}
	if err := s.store.AcceptProposal(ctx, p.CircuitID, p.Requester); err != nil {
		return err
	}
	eventType := circuit.EventCircuitReady
	if p.ProposalType == circuit.ProposalDisband {
		eventType = circuit.EventCircuitDisbanded
	}
	metrics.Admin().RecordProposal(string(p.ProposalType), "accepted")
	metrics.Admin().RecordEvent(string(eventType))
	metrics.Admin().ObserveTwoPCRound("accepted", s.roundDuration(id))
	s.publish(circuit.AdminEvent{EventType: eventType, Proposal: *p})
	s.forget(id)
	return nil
}

// RejectProposal implements twophase.Manager.
func (s *State) RejectProposal(ctx context.Context, id twophase.ProposalID) error {
	p, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("state: reject: unknown proposal %s", id)
	}
	if err := s.store.RejectProposal(ctx, p.CircuitID, p.Requester); err != nil {
		return err
	}
	metrics.Admin().RecordProposal(string(p.ProposalType), "rejected")
	metrics.Admin().RecordEvent(string(circuit.EventProposalRejected))
	metrics.Admin().ObserveTwoPCRound("rejected", s.roundDuration(id))
	s.publish(circuit.AdminEvent{EventType: circuit.EventProposalRejected, Proposal: *p})
	s.forget(id)
	return nil
}

// roundDuration returns the elapsed time since id became a live 2PC round,
// or 0 if neither CreateProposal nor CheckProposal has recorded a start
// time for it.
func (s *State) roundDuration(id twophase.ProposalID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.roundStart[id]
	if !ok {
		return 0
	}
	return time.Since(start)
}

func (s *State) lookup(id twophase.ProposalID) (*circuit.Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	return p, ok
}

func (s *State) forget(id twophase.ProposalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	delete(s.roundStart, id)
}
