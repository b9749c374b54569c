package wire

import "splinter/internal/circuit"

// AdminMessageType discriminates the body of an AdminMessage.
type AdminMessageType string

const (
	AdminConsensusMessage            AdminMessageType = "CONSENSUS_MESSAGE"
	AdminProposedCircuit             AdminMessageType = "PROPOSED_CIRCUIT"
	AdminMemberReady                 AdminMessageType = "MEMBER_READY"
	AdminServiceProtocolVersionReq   AdminMessageType = "SERVICE_PROTOCOL_VERSION_REQUEST"
	AdminServiceProtocolVersionResp  AdminMessageType = "SERVICE_PROTOCOL_VERSION_RESPONSE"
	AdminAbandonedCircuit            AdminMessageType = "ABANDONED_CIRCUIT"
	AdminRemovedProposal             AdminMessageType = "REMOVED_PROPOSAL"
	AdminUnset                       AdminMessageType = "UNSET"
)

// ProposedCircuit carries a full proposal, its expected hash, and the
// verifiers required to accept it.
type ProposedCircuit struct {
	Proposal         circuit.Proposal `json:"proposal"`
	ExpectedHash     string           `json:"expected_hash"`
	RequiredVerifier []string         `json:"required_verifiers"`
}

// MemberReady announces that this node has finished starting the hosted
// services for circuitID and is ready to participate.
type MemberReady struct {
	CircuitID string `json:"circuit_id"`
	NodeID    string `json:"node_id"`
}

// ServiceProtocolVersionRequest/Response negotiate the admin-service-level
// protocol version, distinct from the per-connection authorization
// handshake (spec.md §4.3).
type ServiceProtocolVersionRequest struct {
	MinSupported uint32 `json:"min_supported"`
	MaxSupported uint32 `json:"max_supported"`
}

type ServiceProtocolVersionResponse struct {
	AgreedVersion uint32 `json:"agreed_version"`
}

// AbandonedCircuit and RemovedProposal announce state advances that do not
// go through the normal proposal+votes accept path.
type AbandonedCircuit struct {
	CircuitID string `json:"circuit_id"`
}

type RemovedProposal struct {
	CircuitID string `json:"circuit_id"`
}

// AdminMessage is the envelope for all inter-node admin-service traffic.
// Exactly one body field is populated, selected by Type.
type AdminMessage struct {
	Type AdminMessageType `json:"type"`

	ConsensusMessage        *TwoPhaseMessage                `json:"consensus_message,omitempty"`
	ProposedCircuit         *ProposedCircuit                 `json:"proposed_circuit,omitempty"`
	MemberReady              *MemberReady                     `json:"member_ready,omitempty"`
	ProtocolVersionRequest   *ServiceProtocolVersionRequest    `json:"protocol_version_request,omitempty"`
	ProtocolVersionResponse  *ServiceProtocolVersionResponse   `json:"protocol_version_response,omitempty"`
	AbandonedCircuit         *AbandonedCircuit                 `json:"abandoned_circuit,omitempty"`
	RemovedProposal          *RemovedProposal                  `json:"removed_proposal,omitempty"`
}

// TwoPhaseMessageType discriminates the body of a TwoPhaseMessage, per
// spec.md §4.2's five-message protocol (the two PROPOSAL_RESULT variants
// share one message type carrying a Result field).
type TwoPhaseMessageType string

const (
	TwoPhaseVerificationRequest  TwoPhaseMessageType = "PROPOSAL_VERIFICATION_REQUEST"
	TwoPhaseVerificationResponse TwoPhaseMessageType = "PROPOSAL_VERIFICATION_RESPONSE"
	TwoPhaseResult               TwoPhaseMessageType = "PROPOSAL_RESULT"
)

// VerificationResult is the outcome a verifier reports for a proposal.
type VerificationResult string

const (
	VerificationVerified VerificationResult = "VERIFIED"
	VerificationFailed   VerificationResult = "FAILED"
)

// CommitResult is the coordinator's final decision for a proposal.
type CommitResult string

const (
	CommitApply  CommitResult = "APPLY"
	CommitReject CommitResult = "REJECT"
)

// TwoPhaseMessage is the wire envelope for the 2PC engine's inter-node
// traffic.
type TwoPhaseMessage struct {
	MessageType    TwoPhaseMessageType `json:"message_type"`
	ProposalID     string              `json:"proposal_id"`

	VerificationResult *VerificationResult `json:"verification_result,omitempty"`
	CommitResult       *CommitResult       `json:"commit_result,omitempty"`
}

// AuthorizationMessageType discriminates the body of an AuthorizationMessage,
// per spec.md §4.1.
type AuthorizationMessageType string

const (
	AuthProtocolRequest          AuthorizationMessageType = "AuthProtocolRequest"
	AuthProtocolResponse         AuthorizationMessageType = "AuthProtocolResponse"
	AuthChallengeNonceRequest    AuthorizationMessageType = "AuthChallengeNonceRequest"
	AuthChallengeNonceResponse   AuthorizationMessageType = "AuthChallengeNonceResponse"
	AuthChallengeSubmitRequest   AuthorizationMessageType = "AuthChallengeSubmitRequest"
	AuthChallengeSubmitResponse  AuthorizationMessageType = "AuthChallengeSubmitResponse"
	AuthTrustRequestType         AuthorizationMessageType = "AuthTrustRequest"
	AuthTrustResponseType        AuthorizationMessageType = "AuthTrustResponse"
	AuthCompleteType             AuthorizationMessageType = "AuthComplete"
	AuthorizationErrorType       AuthorizationMessageType = "AuthorizationError"
)

// AuthProtocolRequestBody/ResponseBody negotiate the authorization protocol
// version.
type AuthProtocolRequestBody struct {
	ProtocolMin uint32 `json:"protocol_min"`
	ProtocolMax uint32 `json:"protocol_max"`
}

type AuthProtocolResponseBody struct {
	AcceptedVersion uint32   `json:"accepted_version"`
	AcceptedAuths   []string `json:"accepted_authorizations"`
}

// AuthChallengeNonceResponseBody carries the fresh random nonce (>= 64
// bytes) a remote supplies for the local side to sign.
type AuthChallengeNonceResponseBody struct {
	Nonce []byte `json:"nonce"`
}

// ChallengeSubmitEntry is one signer's contribution to a challenge submit
// request: the public key and the signature it produced over the nonce.
type ChallengeSubmitEntry struct {
	PublicKey []byte `json:"public_key"`
	Scheme    string `json:"scheme"`
	Signature []byte `json:"signature"`
}

type AuthChallengeSubmitRequestBody struct {
	Submissions []ChallengeSubmitEntry `json:"submissions"`
}

type AuthChallengeSubmitResponseBody struct {
	PublicKey []byte `json:"public_key"`
}

type AuthTrustRequestBody struct {
	Identity string `json:"identity"`
}

type AuthTrustResponseBody struct{}

type AuthorizationErrorBody struct {
	Reason string `json:"reason"`
}

// AuthorizationMessage is the envelope for the per-connection authorization
// handshake. Exactly one body field is populated, selected by Type.
type AuthorizationMessage struct {
	Type AuthorizationMessageType `json:"type"`

	ProtocolRequest        *AuthProtocolRequestBody         `json:"protocol_request,omitempty"`
	ProtocolResponse       *AuthProtocolResponseBody        `json:"protocol_response,omitempty"`
	ChallengeNonceResponse *AuthChallengeNonceResponseBody  `json:"challenge_nonce_response,omitempty"`
	ChallengeSubmitRequest *AuthChallengeSubmitRequestBody  `json:"challenge_submit_request,omitempty"`
	ChallengeSubmitResponse *AuthChallengeSubmitResponseBody `json:"challenge_submit_response,omitempty"`
	TrustRequest           *AuthTrustRequestBody             `json:"trust_request,omitempty"`
	TrustResponse          *AuthTrustResponseBody            `json:"trust_response,omitempty"`
	Error                  *AuthorizationErrorBody           `json:"error,omitempty"`
}
