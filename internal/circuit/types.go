// Package circuit defines Splinter's core data model: nodes, circuits,
// proposals, votes, and the admin event stream, plus the invariants that
// govern them.
package circuit

import (
	"fmt"
	"regexp"
	"strings"
)

var circuitIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{5}-[a-zA-Z0-9]{5}$`)

// ValidCircuitID reports whether id matches the canonical grammar
// ^[a-zA-Z0-9]{5}-[a-zA-Z0-9]{5}$.
func ValidCircuitID(id string) bool {
	return circuitIDPattern.MatchString(id)
}

// ValidServiceID reports whether id is exactly 4 base-62 characters.
func ValidServiceID(id string) bool {
	if len(id) != 4 {
		return false
	}
	for _, r := range id {
		if !isBase62(r) {
			return false
		}
	}
	return true
}

// ValidNodeID reports whether id is a non-empty string of 1-64 characters.
func ValidNodeID(id string) bool {
	return len(id) >= 1 && len(id) <= 64
}

func isBase62(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	default:
		return false
	}
}

// AuthorizationType selects which handshake protocol a circuit's members
// use to authenticate with one another.
type AuthorizationType string

const (
	AuthorizationTrust     AuthorizationType = "Trust"
	AuthorizationChallenge AuthorizationType = "Challenge"
)

// Persistence, Durability and RouteType are enumerated for future extension;
// only one variant of each is valid today.
type (
	Persistence string
	Durability  string
	RouteType   string
)

const (
	PersistenceAny   Persistence = "Any"
	DurabilityNone   Durability  = "NoDurability"
	RouteTypeAny     RouteType   = "Any"
)

// CircuitStatus tracks a committed circuit's lifecycle position.
type CircuitStatus string

const (
	CircuitActive     CircuitStatus = "Active"
	CircuitDisbanded  CircuitStatus = "Disbanded"
	CircuitAbandoned  CircuitStatus = "Abandoned"
)

// Code mirrors the admin store's integer encoding (spec.md
// §4.4): 1=Active, 2=Disbanded, 3=Abandoned.
func (s CircuitStatus) Code() int {
	switch s {
	case CircuitActive:
		return 1
	case CircuitDisbanded:
		return 2
	case CircuitAbandoned:
		return 3
	default:
		return 0
	}
}

func CircuitStatusFromCode(code int) (CircuitStatus, error) {
	switch code {
	case 1:
		return CircuitActive, nil
	case 2:
		return CircuitDisbanded, nil
	case 3:
		return CircuitAbandoned, nil
	default:
		return "", fmt.Errorf("circuit: unknown circuit_status code %d", code)
	}
}

// Node is a network participant's identity as known through the registry.
type Node struct {
	NodeID      string            `json:"node_id"`
	Endpoints   []string          `json:"endpoints"`
	PublicKeys  []string          `json:"public_keys"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the per-node invariants of spec.md §3. Cross-node
// invariants (no shared endpoints/ids) are checked by the registry across
// the full node set; see registry.ValidateNodes.
func (n Node) Validate() error {
	if !ValidNodeID(n.NodeID) {
		return fmt.Errorf("circuit: invalid node_id %q", n.NodeID)
	}
	if len(n.Endpoints) == 0 {
		return fmt.Errorf("circuit: node %s has no endpoints", n.NodeID)
	}
	for _, ep := range n.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("circuit: node %s has an empty endpoint", n.NodeID)
		}
	}
	if len(n.PublicKeys) == 0 {
		return fmt.Errorf("circuit: node %s has no public keys", n.NodeID)
	}
	return nil
}

// Member is a circuit's view of a participating node: its id, the
// endpoints it was admitted with, and optionally the single key that may
// act as its admin signer for this circuit.
type Member struct {
	NodeID    string   `json:"node_id"`
	Endpoints []string `json:"endpoints"`
	PublicKey string   `json:"public_key,omitempty"`
}

// ServiceArgument is one (key, value) pair in a service's ordered argument
// list; position is implicit in slice order and made explicit only at the
// storage layer (spec.md §4.4).
type ServiceArgument struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Service is one roster entry: a hosted service instance bound to a member
// node.
type Service struct {
	ServiceID   string            `json:"service_id"`
	ServiceType string            `json:"service_type"`
	NodeID      string            `json:"node_id"`
	Arguments   []ServiceArgument `json:"arguments,omitempty"`
}

// Circuit is an agreed communication domain among a fixed member set,
// hosting a roster of services.
type Circuit struct {
	CircuitID             string            `json:"circuit_id"`
	Members               []Member          `json:"members"`
	Roster                []Service         `json:"roster"`
	AuthorizationType     AuthorizationType `json:"authorization_type"`
	Persistence           Persistence       `json:"persistence"`
	Durability            Durability        `json:"durability"`
	Routes                RouteType         `json:"routes"`
	CircuitManagementType string            `json:"circuit_management_type"`
	DisplayName           string            `json:"display_name,omitempty"`
	ApplicationMetadata   []byte            `json:"application_metadata,omitempty"`
	Comments              string            `json:"comments,omitempty"`
	CircuitVersion        int               `json:"circuit_version"`
	CircuitStatus         CircuitStatus     `json:"circuit_status"`
}

// MemberNodeIDs returns the ordered list of member node ids, used for
// membership checks throughout C4/C6.
func (c Circuit) MemberNodeIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.NodeID
	}
	return ids
}

// HasMember reports whether nodeID is a member of c.
func (c Circuit) HasMember(nodeID string) bool {
	for _, m := range c.Members {
		if m.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of spec.md §3 that are local to
// a single circuit value (membership size, roster binding, canonical id,
// challenge key-length). Cross-circuit invariants (duplicate endpoints/ids
// across all known circuits) are checked by the admin service against the
// store.
func (c Circuit) Validate() error {
	if !ValidCircuitID(c.CircuitID) {
		return fmt.Errorf("circuit: invalid circuit_id %q", c.CircuitID)
	}
	if len(c.Members) < 2 {
		return fmt.Errorf("circuit: must have at least 2 members, got %d", len(c.Members))
	}
	seenMembers := make(map[string]struct{}, len(c.Members))
	seenEndpoints := make(map[string]struct{})
	for _, m := range c.Members {
		if !ValidNodeID(m.NodeID) {
			return fmt.Errorf("circuit: invalid member node_id %q", m.NodeID)
		}
		if _, dup := seenMembers[m.NodeID]; dup {
			return fmt.Errorf("circuit: duplicate member node_id %q", m.NodeID)
		}
		seenMembers[m.NodeID] = struct{}{}
		if len(m.Endpoints) == 0 {
			return fmt.Errorf("circuit: member %s has no endpoints", m.NodeID)
		}
		for _, ep := range m.Endpoints {
			if _, dup := seenEndpoints[ep]; dup {
				return fmt.Errorf("circuit: duplicate endpoint %q within circuit", ep)
			}
			seenEndpoints[ep] = struct{}{}
		}
		if c.AuthorizationType == AuthorizationChallenge && m.PublicKey != "" && len(m.PublicKey) < 4 {
			return fmt.Errorf("circuit: member %s public key too short for challenge authorization", m.NodeID)
		}
	}
	seenServices := make(map[string]struct{}, len(c.Roster))
	for _, s := range c.Roster {
		if !ValidServiceID(s.ServiceID) {
			return fmt.Errorf("circuit: invalid service_id %q", s.ServiceID)
		}
		if _, dup := seenServices[s.ServiceID]; dup {
			return fmt.Errorf("circuit: duplicate service_id %q", s.ServiceID)
		}
		seenServices[s.ServiceID] = struct{}{}
		if !c.HasMember(s.NodeID) {
			return fmt.Errorf("circuit: service %s bound to non-member node %s", s.ServiceID, s.NodeID)
		}
	}
	switch c.AuthorizationType {
	case AuthorizationTrust, AuthorizationChallenge:
	default:
		return fmt.Errorf("circuit: invalid authorization_type %q", c.AuthorizationType)
	}
	if c.Persistence != "" && c.Persistence != PersistenceAny {
		return fmt.Errorf("circuit: unsupported persistence %q", c.Persistence)
	}
	if c.Durability != "" && c.Durability != DurabilityNone {
		return fmt.Errorf("circuit: unsupported durability %q", c.Durability)
	}
	if c.Routes != "" && c.Routes != RouteTypeAny {
		return fmt.Errorf("circuit: unsupported routes %q", c.Routes)
	}
	if c.CircuitVersion < 1 {
		return fmt.Errorf("circuit: circuit_version must be >= 1, got %d", c.CircuitVersion)
	}
	return nil
}

// ProposalType identifies the kind of change a Proposal represents.
type ProposalType string

const (
	ProposalCreate       ProposalType = "Create"
	ProposalUpdateRoster ProposalType = "UpdateRoster"
	ProposalAddNode      ProposalType = "AddNode"
	ProposalRemoveNode   ProposalType = "RemoveNode"
	ProposalDisband      ProposalType = "Disband"
)

// VoteChoice is a single voter's decision on a proposal.
type VoteChoice string

const (
	VoteAccept VoteChoice = "Accept"
	VoteReject VoteChoice = "Reject"
)

// VoteRecord is one member's recorded vote on a proposal.
type VoteRecord struct {
	PublicKey   string     `json:"public_key"`
	Vote        VoteChoice `json:"vote"`
	VoterNodeID string     `json:"voter_node_id"`
}

// Proposal is a pending change to the set of circuits.
type Proposal struct {
	CircuitID       string       `json:"circuit_id"`
	ProposalType    ProposalType `json:"proposal_type"`
	Circuit         Circuit      `json:"circuit"`
	CircuitHash     string       `json:"circuit_hash"`
	Requester       string       `json:"requester"`
	RequesterNodeID string       `json:"requester_node_id"`
	Votes           []VoteRecord `json:"votes"`
}

// HasVoted reports whether voterNodeID has already cast a vote.
func (p Proposal) HasVoted(voterNodeID string) bool {
	for _, v := range p.Votes {
		if v.VoterNodeID == voterNodeID {
			return true
		}
	}
	return false
}

// AcceptCount and RejectCount support the 2PC-external "is this proposal
// fully accepted" convenience check used by tests and CLI-adjacent tooling.
func (p Proposal) AcceptCount() int { return p.countVotes(VoteAccept) }
func (p Proposal) RejectCount() int { return p.countVotes(VoteReject) }

func (p Proposal) countVotes(choice VoteChoice) int {
	n := 0
	for _, v := range p.Votes {
		if v.Vote == choice {
			n++
		}
	}
	return n
}

// EventType enumerates the externally observable admin event stream.
type EventType string

const (
	EventProposalSubmitted EventType = "ProposalSubmitted"
	EventProposalVote      EventType = "ProposalVote"
	EventProposalAccepted  EventType = "ProposalAccepted"
	EventProposalRejected  EventType = "ProposalRejected"
	EventCircuitReady      EventType = "CircuitReady"
	EventCircuitDisbanded  EventType = "CircuitDisbanded"
)

// AdminEvent is one entry in the append-only, monotonically numbered admin
// event log.
type AdminEvent struct {
	ID        uint64    `json:"id"`
	EventType EventType `json:"event_type"`
	Proposal  Proposal  `json:"proposal"`
	Data      string    `json:"data,omitempty"`
}
