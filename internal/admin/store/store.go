package store

import (
	"context"

	"splinter/internal/circuit"
)

// CircuitFilter narrows ListCircuits by member or status, per spec.md §4.4's
// "listing circuits / proposals with optional filters on members or status".
type CircuitFilter struct {
	MemberNodeID string
	Status       *circuit.CircuitStatus
}

// ProposalFilter narrows ListProposals analogously.
type ProposalFilter struct {
	MemberNodeID string
}

// Store is the admin store's capability interface (spec.md §9: "model as a
// capability interface exposing the CRUD operations ... pick one
// implementation at construction. Do not leak SQL dialect specifics
// through the interface"). Every mutating method commits in one
// transaction per spec.md §5's "Transaction discipline".
type Store interface {
	CreateCircuit(ctx context.Context, c circuit.Circuit) error
	FetchCircuit(ctx context.Context, circuitID string) (circuit.Circuit, bool, error)
	ListCircuits(ctx context.Context, filter CircuitFilter) ([]circuit.Circuit, error)
	UpdateCircuitStatus(ctx context.Context, circuitID string, status circuit.CircuitStatus) error
	PurgeCircuit(ctx context.Context, circuitID string) error

	CreateProposal(ctx context.Context, p circuit.Proposal) error
	FetchProposal(ctx context.Context, circuitID string) (circuit.Proposal, bool, error)
	ListProposals(ctx context.Context, filter ProposalFilter) ([]circuit.Proposal, error)
	ApplyVote(ctx context.Context, circuitID string, vote circuit.VoteRecord) (circuit.Proposal, error)
	DeleteProposal(ctx context.Context, circuitID string) error

	// AcceptProposal atomically deletes the proposal and applies it, all in
	// one transaction (spec.md §5): a disband proposal marks the circuit
	// Disbanded and appends a CircuitDisbanded event; any other proposal
	// creates the resulting Active circuit and appends a ProposalAccepted
	// event.
	AcceptProposal(ctx context.Context, circuitID string, requesterPublicKey string) error
	// RejectProposal atomically deletes the proposal and appends a
	// ProposalRejected event.
	RejectProposal(ctx context.Context, circuitID string, requesterPublicKey string) error

	AppendEvent(ctx context.Context, e circuit.AdminEvent) (uint64, error)
	ListEventsSince(ctx context.Context, since uint64, eventType *circuit.EventType) ([]circuit.AdminEvent, error)
}
