// Package wire defines the JSON-encoded envelopes exchanged between
// Splinter nodes: signed admin payloads, admin protocol messages, 2PC
// messages, and authorization messages. See SPEC_FULL.md §3 for why these
// are JSON rather than generated protobuf.
package wire

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"reflect"

	"splinter/internal/circuit"
)

// PayloadAction identifies which body variant a CircuitManagementPayload
// carries.
type PayloadAction string

const (
	ActionCircuitCreate  PayloadAction = "CircuitCreateRequest"
	ActionProposalVote   PayloadAction = "CircuitProposalVote"
	ActionCircuitDisband PayloadAction = "CircuitDisbandRequest"
	ActionCircuitAbandon PayloadAction = "CircuitAbandonRequest"
	ActionCircuitPurge   PayloadAction = "CircuitPurgeRequest"
)

// PayloadHeader carries the signed metadata every admin payload commits to.
type PayloadHeader struct {
	Action          PayloadAction `json:"action"`
	Requester       string        `json:"requester"`
	RequesterNodeID string        `json:"requester_node_id"`
	PayloadSHA512   string        `json:"payload_sha512"`
}

// CircuitCreateRequest proposes a new circuit.
type CircuitCreateRequest struct {
	Circuit circuit.Circuit `json:"circuit"`
}

// CircuitProposalVote records a member's vote on an in-flight proposal.
type CircuitProposalVote struct {
	CircuitID   string             `json:"circuit_id"`
	Vote        circuit.VoteChoice `json:"vote"`
	CircuitHash string             `json:"circuit_hash"`
}

// CircuitDisbandRequest proposes disbanding an active circuit.
type CircuitDisbandRequest struct {
	CircuitID string `json:"circuit_id"`
}

// CircuitAbandonRequest proposes abandoning an active circuit unilaterally.
type CircuitAbandonRequest struct {
	CircuitID string `json:"circuit_id"`
}

// CircuitPurgeRequest requests physical removal of a non-active circuit.
type CircuitPurgeRequest struct {
	CircuitID string `json:"circuit_id"`
}

// CircuitManagementPayload is the signed envelope submitted to
// submit_circuit_change. Exactly one Body* field is populated, selected by
// Header.Action.
type CircuitManagementPayload struct {
	Header    PayloadHeader `json:"header"`
	Signature string        `json:"signature"`

	BodyCreate  *CircuitCreateRequest  `json:"body_create,omitempty"`
	BodyVote    *CircuitProposalVote   `json:"body_vote,omitempty"`
	BodyDisband *CircuitDisbandRequest `json:"body_disband,omitempty"`
	BodyAbandon *CircuitAbandonRequest `json:"body_abandon,omitempty"`
	BodyPurge   *CircuitPurgeRequest   `json:"body_purge,omitempty"`
}

// bodyBytes serializes whichever body variant is populated, independent of
// the header, so the header's payload_sha512 can commit to it.
func (p CircuitManagementPayload) bodyBytes() ([]byte, error) {
	var body any
	switch p.Header.Action {
	case ActionCircuitCreate:
		body = p.BodyCreate
	case ActionProposalVote:
		body = p.BodyVote
	case ActionCircuitDisband:
		body = p.BodyDisband
	case ActionCircuitAbandon:
		body = p.BodyAbandon
	case ActionCircuitPurge:
		body = p.BodyPurge
	default:
		return nil, fmt.Errorf("wire: unknown payload action %q", p.Header.Action)
	}
	if body == nil || reflect.ValueOf(body).IsNil() {
		return nil, fmt.Errorf("wire: payload action %q has no body", p.Header.Action)
	}
	return json.Marshal(body)
}

// HeaderBytes returns the canonical bytes the signature covers: the header
// with payload_sha512 already populated.
func (p CircuitManagementPayload) HeaderBytes() ([]byte, error) {
	return json.Marshal(p.Header)
}

// ComputePayloadHash fills Header.PayloadSHA512 from the current body. Call
// before signing.
func (p *CircuitManagementPayload) ComputePayloadHash() error {
	b, err := p.bodyBytes()
	if err != nil {
		return err
	}
	sum := sha512.Sum512(b)
	p.Header.PayloadSHA512 = fmt.Sprintf("%x", sum[:])
	return nil
}

// VerifyPayloadHash checks that Header.PayloadSHA512 matches the current
// body, guarding against a header/body swap after signing.
func (p CircuitManagementPayload) VerifyPayloadHash() error {
	b, err := p.bodyBytes()
	if err != nil {
		return err
	}
	sum := sha512.Sum512(b)
	if fmt.Sprintf("%x", sum[:]) != p.Header.PayloadSHA512 {
		return fmt.Errorf("wire: payload_sha512 does not match body")
	}
	return nil
}
