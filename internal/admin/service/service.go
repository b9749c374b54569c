// Package service implements the admin service front-end (C6): payload
// ingress and validation, proposal-id derivation, per-peer-pair protocol
// version pinning, and event emission, sitting in front of the shared state
// (C4) and store (C5). Grounded on services/governd/server/server.go's
// "validate then hand to consensus" shape and native/governance/engine.go's
// event-emission pattern, resolved against
// original_source/libsplinter/src/admin/service/mod.rs for the per-peer
// version-pinning and peer-reference-lifecycle behavior the distilled spec
// only summarizes.
package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"splinter/internal/admin/state"
	"splinter/internal/admin/store"
	"splinter/internal/circuit"
	"splinter/internal/cryptoutil"
	"splinter/internal/observability/metrics"
	"splinter/internal/peer"
	"splinter/internal/registry"
	"splinter/internal/wire"
)

const (
	minSupportedProtocolVersion = 1
	maxSupportedProtocolVersion = 1
)

// Service is the admin service front-end: it owns payload validation and
// delegates state-advancing operations to state.State.
type Service struct {
	state    *state.State
	store    store.Store
	registry registry.Registry
	peers    peer.Manager
	logger   *slog.Logger

	mu       sync.Mutex
	versions map[string]uint32 // peer node id -> pinned protocol version
}

// New constructs a Service. reg resolves requester-to-node authorization and
// circuit member registry lookups (spec.md §4.3 steps 2-3). peers broadcasts
// PROPOSED_CIRCUIT to every other node once a proposal is accepted locally,
// so a verifier that never called SubmitCircuitChange itself still learns
// the full proposal content a twophase.Engine round needs to check it.
func New(st *state.State, s store.Store, reg registry.Registry, peers peer.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{state: st, store: s, registry: reg, peers: peers, logger: logger, versions: make(map[string]uint32)}
}

// NegotiateProtocolVersion pins the service-level protocol version for a
// peer pair the first time they make contact, per spec.md §4.3: agree on
// max(min_supported, min(remote_max, self.max)); 0 means no agreement.
func (s *Service) NegotiateProtocolVersion(peerNodeID string, remoteMin, remoteMax uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[peerNodeID]; ok {
		return v
	}
	agreed := maxSupportedProtocolVersion
	if remoteMax < uint32(agreed) {
		agreed = int(remoteMax)
	}
	if uint32(agreed) < minSupportedProtocolVersion || remoteMin > maxSupportedProtocolVersion {
		s.versions[peerNodeID] = 0
		return 0
	}
	s.versions[peerNodeID] = uint32(agreed)
	return uint32(agreed)
}

// PinnedVersion returns the protocol version already agreed with peerNodeID,
// or 0 if no negotiation has completed yet.
func (s *Service) PinnedVersion(peerNodeID string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[peerNodeID]
}

// SubscribeEvents registers a new best-effort admin event subscriber, for
// the gRPC streaming surface and the websocket push transport alike.
func (s *Service) SubscribeEvents(ctx context.Context) state.Subscription {
	return s.state.Subscribe(ctx)
}

// SubmitCircuitChange is the service's one ingress function (spec.md §6):
// validate payload, then dispatch to the appropriate state-advancing
// operation. Returns a *circuit.SplinterError on any validation failure;
// nothing persists when validation fails.
func (s *Service) SubmitCircuitChange(ctx context.Context, payload wire.CircuitManagementPayload) error {
	if err := s.validate(ctx, payload); err != nil {
		kind := ""
		var se *circuit.SplinterError
		if errors.As(err, &se) {
			kind = string(se.Kind)
		}
		metrics.Admin().RecordSubmitError(kind)
		return err
	}
	switch payload.Header.Action {
	case wire.ActionCircuitCreate:
		return s.handleCreate(ctx, payload)
	case wire.ActionProposalVote:
		return s.handleVote(ctx, payload)
	case wire.ActionCircuitDisband:
		return s.handleDisband(ctx, payload)
	case wire.ActionCircuitAbandon:
		return s.handleAbandon(ctx, payload)
	case wire.ActionCircuitPurge:
		return s.handlePurge(ctx, payload)
	default:
		return circuit.NewInvalidPayload("unknown action %q", payload.Header.Action)
	}
}

// validate runs the ordered checks of spec.md §4.3: signature, authorization,
// membership, circuit invariants, and action-specific state checks.
func (s *Service) validate(ctx context.Context, p wire.CircuitManagementPayload) error {
	// 1. Signature verifies the payload's canonical serialization against
	// the requester public key.
	if err := p.VerifyPayloadHash(); err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	headerBytes, err := p.HeaderBytes()
	if err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	pubKey, sig, err := decodeRequester(p.Header.Requester, p.Signature)
	if err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	digest := cryptoutil.Digest("splinter-admin-payload", headerBytes)
	if err := cryptoutil.Verify(cryptoutil.SchemeSecp256k1, pubKey, digest, sig); err != nil {
		return circuit.NewInvalidPayload("signature verification failed: %v", err)
	}

	// 2. requester is permitted to act for requester_node_id by the
	// registry: the requester's public key must be one of the node's
	// registered public keys.
	node, ok, err := s.registry.Node(p.Header.RequesterNodeID)
	if err != nil {
		return circuit.WrapInternal(err, "registry lookup")
	}
	if !ok {
		return circuit.NewUnauthorized("unknown requester_node_id %q", p.Header.RequesterNodeID)
	}
	if !hasKey(node.PublicKeys, p.Header.Requester) {
		return circuit.NewUnauthorized("requester key not registered for node %q", p.Header.RequesterNodeID)
	}

	switch p.Header.Action {
	case wire.ActionCircuitCreate:
		return s.validateCreate(ctx, p)
	case wire.ActionProposalVote:
		return s.validateVote(ctx, p)
	case wire.ActionCircuitDisband:
		return s.validateMemberAction(ctx, p.Header.RequesterNodeID, p.BodyDisband.CircuitID, circuit.CircuitActive)
	case wire.ActionCircuitAbandon:
		return s.validateMemberAction(ctx, p.Header.RequesterNodeID, p.BodyAbandon.CircuitID, circuit.CircuitActive)
	case wire.ActionCircuitPurge:
		return s.validatePurge(ctx, p.BodyPurge.CircuitID)
	default:
		return circuit.NewInvalidPayload("unknown action %q", p.Header.Action)
	}
}

func (s *Service) validateCreate(ctx context.Context, p wire.CircuitManagementPayload) error {
	if p.BodyCreate == nil {
		return circuit.NewInvalidPayload("missing body for CircuitCreateRequest")
	}
	c := p.BodyCreate.Circuit

	// 3. requester_node_id must appear in the proposed circuit's members.
	if !c.HasMember(p.Header.RequesterNodeID) {
		return circuit.NewUnauthorized("requester_node_id %q is not a proposed member", p.Header.RequesterNodeID)
	}

	// 4. Circuit invariants, including cross-circuit endpoint/id uniqueness.
	if err := c.Validate(); err != nil {
		return circuit.NewInvalidPayload("%v", err)
	}
	if err := s.checkGlobalUniqueness(ctx, c); err != nil {
		return err
	}

	// 5. No in-flight proposal and no active circuit for this id.
	if _, ok, err := s.store.FetchProposal(ctx, c.CircuitID); err != nil {
		return circuit.WrapInternal(err, "fetch proposal")
	} else if ok {
		return circuit.NewInvalidState("a proposal for circuit %s is already in flight", c.CircuitID)
	}
	if _, ok, err := s.store.FetchCircuit(ctx, c.CircuitID); err != nil {
		return circuit.WrapInternal(err, "fetch circuit")
	} else if ok {
		return circuit.NewInvalidState("circuit %s already exists", c.CircuitID)
	}
	return nil
}

func (s *Service) checkGlobalUniqueness(ctx context.Context, c circuit.Circuit) error {
	existing, err := s.store.ListCircuits(ctx, store.CircuitFilter{})
	if err != nil {
		return circuit.WrapInternal(err, "list circuits")
	}
	seen := make(map[string]struct{})
	for _, other := range existing {
		for _, m := range other.Members {
			for _, ep := range m.Endpoints {
				seen[ep] = struct{}{}
			}
		}
	}
	for _, m := range c.Members {
		for _, ep := range m.Endpoints {
			if _, dup := seen[ep]; dup {
				return circuit.NewInvalidState("endpoint %q already used by a live circuit", ep)
			}
		}
	}
	return nil
}

func (s *Service) validateVote(ctx context.Context, p wire.CircuitManagementPayload) error {
	if p.BodyVote == nil {
		return circuit.NewInvalidPayload("missing body for CircuitProposalVote")
	}
	// 7. An in-flight proposal exists; voter has not already voted;
	// circuit_hash matches.
	proposal, ok, err := s.store.FetchProposal(ctx, p.BodyVote.CircuitID)
	if err != nil {
		return circuit.WrapInternal(err, "fetch proposal")
	}
	if !ok {
		return circuit.NewInvalidState("no in-flight proposal for circuit %s", p.BodyVote.CircuitID)
	}
	if !proposal.Circuit.HasMember(p.Header.RequesterNodeID) {
		return circuit.NewUnauthorized("requester_node_id %q is not a member of the proposed circuit", p.Header.RequesterNodeID)
	}
	if proposal.HasVoted(p.Header.RequesterNodeID) {
		return circuit.NewInvalidState("node %s has already voted on circuit %s", p.Header.RequesterNodeID, p.BodyVote.CircuitID)
	}
	if proposal.CircuitHash != p.BodyVote.CircuitHash {
		return circuit.NewInvalidState("circuit_hash mismatch for circuit %s", p.BodyVote.CircuitID)
	}
	return nil
}

func (s *Service) validateMemberAction(ctx context.Context, requesterNodeID, circuitID string, wantStatus circuit.CircuitStatus) error {
	c, ok, err := s.store.FetchCircuit(ctx, circuitID)
	if err != nil {
		return circuit.WrapInternal(err, "fetch circuit")
	}
	if !ok {
		return circuit.NewInvalidState("unknown circuit %s", circuitID)
	}
	if !c.HasMember(requesterNodeID) {
		return circuit.NewUnauthorized("requester_node_id %q is not a member of circuit %s", requesterNodeID, circuitID)
	}
	if c.CircuitStatus != wantStatus {
		return circuit.NewInvalidState("circuit %s is %s, expected %s", circuitID, c.CircuitStatus, wantStatus)
	}
	return nil
}

func (s *Service) validatePurge(ctx context.Context, circuitID string) error {
	c, ok, err := s.store.FetchCircuit(ctx, circuitID)
	if err != nil {
		return circuit.WrapInternal(err, "fetch circuit")
	}
	if !ok {
		return circuit.NewInvalidState("unknown circuit %s", circuitID)
	}
	if c.CircuitStatus == circuit.CircuitActive {
		return circuit.NewInvalidState("circuit %s is Active, cannot purge", circuitID)
	}
	return nil
}

func (s *Service) handleCreate(ctx context.Context, p wire.CircuitManagementPayload) error {
	proposal := circuit.Proposal{
		CircuitID:       p.BodyCreate.Circuit.CircuitID,
		ProposalType:    circuit.ProposalCreate,
		Circuit:         p.BodyCreate.Circuit,
		Requester:       p.Header.Requester,
		RequesterNodeID: p.Header.RequesterNodeID,
	}
	if err := s.state.SubmitProposal(ctx, proposal); err != nil {
		return err
	}
	s.broadcastProposal(ctx, proposal)
	return nil
}

// broadcastProposal relays proposal to every peer the peer manager knows
// other than this node (not only the circuit's members) as a
// PROPOSED_CIRCUIT admin message, the way a coordinator's own submission
// reaches the verifiers that never called SubmitCircuitChange themselves.
// Best-effort: a broadcast failure is logged, not returned, since the
// proposal is already durably submitted on this node regardless.
func (s *Service) broadcastProposal(ctx context.Context, proposal circuit.Proposal) {
	if s.peers == nil {
		return
	}
	hash, err := circuit.Hash(proposal.Circuit)
	if err != nil {
		s.logger.Warn("service: hash proposal circuit for broadcast failed", "circuit_id", proposal.CircuitID, "error", err)
		return
	}
	proposal.CircuitHash = hash
	msg := wire.AdminMessage{
		Type: wire.AdminProposedCircuit,
		ProposedCircuit: &wire.ProposedCircuit{
			Proposal:         proposal,
			ExpectedHash:     hash,
			RequiredVerifier: requiredVerifiers(proposal),
		},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("service: encode PROPOSED_CIRCUIT failed", "circuit_id", proposal.CircuitID, "error", err)
		return
	}
	if err := s.peers.Broadcast(ctx, peer.Message{Channel: "admin", Payload: payload}); err != nil {
		s.logger.Warn("service: broadcast PROPOSED_CIRCUIT failed", "circuit_id", proposal.CircuitID, "error", err)
	}
}

// requiredVerifiers is every member of proposal's circuit other than the
// requester itself: the nodes that must independently CheckProposal and
// vote before the coordinator can commit.
func requiredVerifiers(proposal circuit.Proposal) []string {
	var verifiers []string
	for _, m := range proposal.Circuit.Members {
		if m.NodeID == proposal.RequesterNodeID {
			continue
		}
		verifiers = append(verifiers, m.NodeID)
	}
	return verifiers
}

func (s *Service) handleVote(ctx context.Context, p wire.CircuitManagementPayload) error {
	_, err := s.state.CastVote(ctx, p.BodyVote.CircuitID, circuit.VoteRecord{
		VoterNodeID: p.Header.RequesterNodeID,
		PublicKey:   p.Header.Requester,
		Vote:        p.BodyVote.Vote,
	})
	return err
}

func (s *Service) handleDisband(ctx context.Context, p wire.CircuitManagementPayload) error {
	c, _, err := s.store.FetchCircuit(ctx, p.BodyDisband.CircuitID)
	if err != nil {
		return circuit.WrapInternal(err, "fetch circuit")
	}
	proposal := circuit.Proposal{
		CircuitID:       c.CircuitID,
		ProposalType:    circuit.ProposalDisband,
		Circuit:         c,
		Requester:       p.Header.Requester,
		RequesterNodeID: p.Header.RequesterNodeID,
	}
	if err := s.state.SubmitProposal(ctx, proposal); err != nil {
		return err
	}
	s.broadcastProposal(ctx, proposal)
	return nil
}

func (s *Service) handleAbandon(ctx context.Context, p wire.CircuitManagementPayload) error {
	if err := s.store.UpdateCircuitStatus(ctx, p.BodyAbandon.CircuitID, circuit.CircuitAbandoned); err != nil {
		return err
	}
	c, _, err := s.store.FetchCircuit(ctx, p.BodyAbandon.CircuitID)
	if err != nil {
		return circuit.WrapInternal(err, "fetch circuit")
	}
	_, err = s.store.AppendEvent(ctx, circuit.AdminEvent{
		EventType: circuit.EventCircuitDisbanded,
		Proposal:  circuit.Proposal{CircuitID: c.CircuitID, Circuit: c, RequesterNodeID: p.Header.RequesterNodeID},
		Data:      "abandoned",
	})
	return err
}

func (s *Service) handlePurge(ctx context.Context, p wire.CircuitManagementPayload) error {
	return s.store.PurgeCircuit(ctx, p.BodyPurge.CircuitID)
}

func hasKey(keys []string, want string) bool {
	for _, k := range keys {
		if k == want {
			return true
		}
	}
	return false
}

func decodeRequester(requesterHex, sigHex string) (pub, sig []byte, err error) {
	pub, err = hex.DecodeString(requesterHex)
	if err != nil {
		return nil, nil, fmt.Errorf("service: decode requester key: %w", err)
	}
	sig, err = hex.DecodeString(sigHex)
	if err != nil {
		return nil, nil, fmt.Errorf("service: decode signature: %w", err)
	}
	return pub, sig, nil
}
