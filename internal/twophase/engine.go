// Package twophase implements Splinter's coordinator-elected, timeout-bounded
// two-phase commit engine (spec.md §4.2), structured as a single cooperative
// event loop driven by two bounded-timeout receives per iteration.
package twophase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"splinter/internal/cryptoutil"
	"splinter/internal/peer"
	"splinter/internal/wire"
)

// ProposalID opaquely identifies one 2PC epoch's proposal.
type ProposalID string

// ProposalContent is the proposal body the engine itself never interprets;
// it only ferries it between the Manager and the wire.
type ProposalContent struct {
	ID   ProposalID
	Data []byte
}

// Manager is the dependency-injected proposal source and sink the engine
// drives to APPLY or REJECT, mirroring bft.NodeInterface's role for the BFT
// engine but over Splinter's coordinator/participant protocol.
type Manager interface {
	// CreateProposal is polled only by the coordinator while Idle. ok=false
	// means no proposal is ready yet.
	CreateProposal(ctx context.Context) (content *ProposalContent, ok bool, err error)
	// CheckProposal validates content already held by the engine. A
	// non-nil error marks the proposal FAILED/invalid.
	CheckProposal(ctx context.Context, content *ProposalContent) error
	AcceptProposal(ctx context.Context, id ProposalID) error
	RejectProposal(ctx context.Context, id ProposalID) error
}

// State is the engine's single-threaded state, per spec.md §4.2.
type State string

const (
	StateIdle               State = "Idle"
	StateAwaitingProposal    State = "AwaitingProposal"
	StateEvaluatingProposal  State = "EvaluatingProposal"
)

const (
	defaultCoordinatorTimeout = 30 * time.Second
	defaultReceiveTimeout     = 100 * time.Millisecond
)

// InboundMessage pairs a received TwoPhaseMessage with the peer that sent
// it, since the wire message itself carries no sender field.
type InboundMessage struct {
	Sender cryptoutil.PeerID
	Msg    *wire.TwoPhaseMessage
}

// ProposalUpdate is delivered on the content channel: either newly
// available proposal content, or a shutdown sentinel.
type ProposalUpdate struct {
	Content  *ProposalContent
	Shutdown bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithCoordinatorTimeout(d time.Duration) Option {
	return func(e *Engine) { e.coordinatorTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithNowFunc(f func() time.Time) Option {
	return func(e *Engine) { e.now = f }
}

// Engine is one node's two-phase commit participant/coordinator.
type Engine struct {
	mu sync.Mutex

	self      cryptoutil.PeerID
	verifiers []cryptoutil.PeerID

	manager Manager
	peers   peer.Manager

	coordinatorTimeout time.Duration
	logger             *slog.Logger
	now                func() time.Time

	state              State
	currentProposal    ProposalID
	deadline           time.Time
	peersVerified      map[string]struct{}
	proposalsReceived  map[ProposalID]*ProposalContent
	verificationBacklog []ProposalID

	networkCh chan InboundMessage
	updateCh  chan ProposalUpdate
}

// NewEngine constructs an Engine. verifiers must include self.
func NewEngine(self cryptoutil.PeerID, verifiers []cryptoutil.PeerID, manager Manager, peers peer.Manager, opts ...Option) *Engine {
	e := &Engine{
		self:               self,
		verifiers:          append([]cryptoutil.PeerID(nil), verifiers...),
		manager:            manager,
		peers:              peers,
		coordinatorTimeout: defaultCoordinatorTimeout,
		logger:             slog.Default(),
		now:                time.Now,
		state:              StateIdle,
		peersVerified:      make(map[string]struct{}),
		proposalsReceived:  make(map[ProposalID]*ProposalContent),
		networkCh:          make(chan InboundMessage, 64),
		updateCh:           make(chan ProposalUpdate, 16),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeliverNetworkMessage is the external entry point the admin service's
// message dispatcher calls when a TwoPhaseMessage arrives from sender.
func (e *Engine) DeliverNetworkMessage(sender cryptoutil.PeerID, msg *wire.TwoPhaseMessage) {
	e.networkCh <- InboundMessage{Sender: sender, Msg: msg}
}

// DeliverProposalContent is the external entry point for
// "ProposalReceived": content that has arrived independent of (and
// possibly before) its verification request.
func (e *Engine) DeliverProposalContent(content *ProposalContent) {
	e.updateCh <- ProposalUpdate{Content: content}
}

// Shutdown sends the sentinel ProposalUpdate that stops the main loop.
func (e *Engine) Shutdown() {
	e.updateCh <- ProposalUpdate{Shutdown: true}
}

// coordinator returns the verifier with the lexicographically smallest
// PeerId, per spec.md §4.2.
func (e *Engine) coordinator() cryptoutil.PeerID {
	sorted := append([]cryptoutil.PeerID(nil), e.verifiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	return sorted[0]
}

func (e *Engine) isCoordinator() bool {
	return e.coordinator().String() == e.self.String()
}

// State reports the engine's current state, for tests and observability.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// outboundMessage is staged under the lock and sent after release, per the
// admin shared state's "no network I/O while holding the lock" discipline
// (spec.md §9) applied equally here.
type outboundMessage struct {
	broadcast bool
	target    cryptoutil.PeerID
	msg       wire.TwoPhaseMessage
}

// Run drives the main loop until ctx is canceled or Shutdown is called,
// following the exact per-iteration ordering of spec.md §4.2.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var out []outboundMessage

		// 1. Abort the current proposal if the coordinator timeout expired.
		out = append(out, e.checkCoordinatorTimeout()...)

		// 2. Try to promote a backlogged verification request.
		out = append(out, e.tryPromoteBacklog(ctx)...)

		// 3. If coordinator and Idle, ask the manager for the next proposal.
		out = append(out, e.tryCreateProposal(ctx)...)

		if err := e.send(ctx, out); err != nil {
			return err
		}

		// 4. Receive at most one consensus network message (100 ms timeout).
		select {
		case inbound := <-e.networkCh:
			if err := e.send(ctx, e.handleNetworkMessage(ctx, inbound)); err != nil {
				return err
			}
		case <-time.After(defaultReceiveTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}

		// 5. Receive at most one proposal update (100 ms timeout).
		select {
		case update := <-e.updateCh:
			if update.Shutdown {
				return nil
			}
			if update.Content != nil {
				e.mu.Lock()
				e.proposalsReceived[update.Content.ID] = update.Content
				e.mu.Unlock()
			}
		case <-time.After(defaultReceiveTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) send(ctx context.Context, out []outboundMessage) error {
	for _, o := range out {
		if o.broadcast {
			if err := e.peers.Broadcast(ctx, toPeerMessage(o.msg)); err != nil {
				e.logger.Warn("twophase: broadcast failed", "error", err)
			}
			continue
		}
		if err := e.peers.Send(ctx, o.target, toPeerMessage(o.msg)); err != nil {
			e.logger.Warn("twophase: send failed", "target", o.target.String(), "error", err)
		}
	}
	return nil
}

func toPeerMessage(m wire.TwoPhaseMessage) peer.Message {
	b, _ := json.Marshal(m)
	return peer.Message{Channel: "2pc", Payload: b}
}

func (e *Engine) checkCoordinatorTimeout() []outboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateEvaluatingProposal || !e.isCoordinator() {
		return nil
	}
	if e.deadline.IsZero() || e.now().Before(e.deadline) {
		return nil
	}
	return e.rejectLocked(context.Background(), "coordinator timeout expired")
}

func (e *Engine) tryPromoteBacklog(ctx context.Context) []outboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle || len(e.verificationBacklog) == 0 {
		return nil
	}
	for i, id := range e.verificationBacklog {
		content, ok := e.proposalsReceived[id]
		if !ok {
			continue
		}
		e.verificationBacklog = append(e.verificationBacklog[:i:i], e.verificationBacklog[i+1:]...)
		return e.evaluateAsParticipantLocked(ctx, content)
	}
	return nil
}

func (e *Engine) tryCreateProposal(ctx context.Context) []outboundMessage {
	e.mu.Lock()
	if e.state != StateIdle || !e.isCoordinator() {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	content, ok, err := e.manager.CreateProposal(ctx)
	if err != nil {
		e.logger.Error("twophase: create proposal failed", "error", err)
		return nil
	}
	if !ok || content == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateAwaitingProposal
	e.proposalsReceived[content.ID] = content
	return e.evaluateAsCoordinatorLocked(ctx, content)
}

// evaluateAsCoordinatorLocked implements "on ProposalValid, the coordinator
// marks itself verified, broadcasts VERIFICATION_REQUEST, and starts a
// coordinator_timeout clock". Called with e.mu held.
func (e *Engine) evaluateAsCoordinatorLocked(ctx context.Context, content *ProposalContent) []outboundMessage {
	if err := e.manager.CheckProposal(ctx, content); err != nil {
		e.logger.Warn("twophase: coordinator's own proposal invalid", "id", content.ID, "error", err)
		return e.rejectLocked(ctx, "coordinator's own proposal failed validation")
	}
	e.state = StateEvaluatingProposal
	e.currentProposal = content.ID
	e.peersVerified = map[string]struct{}{e.self.String(): {}}
	e.deadline = e.now().Add(e.coordinatorTimeout)
	return []outboundMessage{{
		broadcast: true,
		msg: wire.TwoPhaseMessage{
			MessageType: wire.TwoPhaseVerificationRequest,
			ProposalID:  string(content.ID),
		},
	}}
}

// evaluateAsParticipantLocked implements the participant path: validate
// content already delivered, reply VERIFIED or FAILED to the coordinator.
func (e *Engine) evaluateAsParticipantLocked(ctx context.Context, content *ProposalContent) []outboundMessage {
	e.state = StateEvaluatingProposal
	e.currentProposal = content.ID
	result := wire.VerificationVerified
	if err := e.manager.CheckProposal(ctx, content); err != nil {
		e.logger.Info("twophase: proposal failed local validation", "id", content.ID, "error", err)
		result = wire.VerificationFailed
	}
	return []outboundMessage{{
		target: e.coordinator(),
		msg: wire.TwoPhaseMessage{
			MessageType:        wire.TwoPhaseVerificationResponse,
			ProposalID:         string(content.ID),
			VerificationResult: &result,
		},
	}}
}

func (e *Engine) handleNetworkMessage(ctx context.Context, inbound InboundMessage) []outboundMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := inbound.Msg
	id := ProposalID(msg.ProposalID)

	switch msg.MessageType {
	case wire.TwoPhaseVerificationRequest:
		if e.state == StateIdle {
			if content, ok := e.proposalsReceived[id]; ok {
				return e.evaluateAsParticipantLocked(ctx, content)
			}
		}
		e.appendBacklog(id)
		return nil

	case wire.TwoPhaseVerificationResponse:
		if !e.isCoordinator() || e.state != StateEvaluatingProposal || id != e.currentProposal {
			return nil
		}
		if msg.VerificationResult == nil {
			return nil
		}
		if *msg.VerificationResult == wire.VerificationFailed {
			return e.rejectLocked(ctx, fmt.Sprintf("peer %s reported FAILED", inbound.Sender.String()))
		}
		e.peersVerified[inbound.Sender.String()] = struct{}{}
		if e.allVerifiedLocked() {
			return e.acceptLocked(ctx)
		}
		return nil

	case wire.TwoPhaseResult:
		if e.isCoordinator() || e.state != StateEvaluatingProposal || id != e.currentProposal {
			return nil
		}
		if msg.CommitResult == nil {
			return nil
		}
		if *msg.CommitResult == wire.CommitApply {
			if err := e.manager.AcceptProposal(ctx, id); err != nil {
				e.logger.Error("twophase: accept_proposal failed", "id", id, "error", err)
			}
		} else {
			if err := e.manager.RejectProposal(ctx, id); err != nil {
				e.logger.Error("twophase: reject_proposal failed", "id", id, "error", err)
			}
		}
		e.resetLocked()
		return nil
	}
	return nil
}

func (e *Engine) appendBacklog(id ProposalID) {
	for _, existing := range e.verificationBacklog {
		if existing == id {
			return
		}
	}
	e.verificationBacklog = append(e.verificationBacklog, id)
}

func (e *Engine) allVerifiedLocked() bool {
	for _, v := range e.verifiers {
		if _, ok := e.peersVerified[v.String()]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) acceptLocked(ctx context.Context) []outboundMessage {
	id := e.currentProposal
	if err := e.manager.AcceptProposal(ctx, id); err != nil {
		e.logger.Error("twophase: accept_proposal failed", "id", id, "error", err)
	}
	result := wire.CommitApply
	e.resetLocked()
	return []outboundMessage{{
		broadcast: true,
		msg: wire.TwoPhaseMessage{
			MessageType:  wire.TwoPhaseResult,
			ProposalID:   string(id),
			CommitResult: &result,
		},
	}}
}

func (e *Engine) rejectLocked(ctx context.Context, reason string) []outboundMessage {
	id := e.currentProposal
	if id == "" {
		e.resetLocked()
		return nil
	}
	if err := e.manager.RejectProposal(ctx, id); err != nil {
		e.logger.Error("twophase: reject_proposal failed", "id", id, "error", err)
	}
	e.logger.Info("twophase: rejecting proposal", "id", id, "reason", reason)
	result := wire.CommitReject
	e.resetLocked()
	// rejectLocked is only ever invoked on the coordinator path (self
	// timeout, own-proposal invalid, or a FAILED verification response);
	// the participant path rejects via an inbound PROPOSAL_RESULT and
	// never reaches here.
	return []outboundMessage{{
		broadcast: true,
		msg: wire.TwoPhaseMessage{
			MessageType:  wire.TwoPhaseResult,
			ProposalID:   string(id),
			CommitResult: &result,
		},
	}}
}

func (e *Engine) resetLocked() {
	e.state = StateIdle
	e.currentProposal = ""
	e.deadline = time.Time{}
	e.peersVerified = make(map[string]struct{})
}
