// Package wireauth implements the Splinter authorization handshake state
// machine (spec.md §4.1): a per-connection pair of symmetric sub-machines
// that negotiate a protocol version and establish mutual identity via Trust
// or Challenge authorization before any circuit traffic is accepted.
package wireauth

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"splinter/internal/cryptoutil"
	"splinter/internal/wire"
)

// LocalState is the state of what this node proves to the remote.
type LocalState string

const (
	LocalStart                             LocalState = "Start"
	LocalSentAuthProtocolRequest           LocalState = "SentAuthProtocolRequest"
	LocalWaitingForAuthProtocolResponse    LocalState = "WaitingForAuthProtocolResponse"
	LocalTrustWaitingForAuthTrustResponse  LocalState = "Trust(WaitingForAuthTrustResponse)"
	LocalChallengeWaitingForNonceResponse  LocalState = "Challenge(WaitingForAuthChallengeNonceResponse)"
	LocalChallengeWaitingForSubmitResponse LocalState = "Challenge(WaitingForAuthChallengeSubmitResponse)"
	LocalAuthorized                        LocalState = "Authorized"
	LocalFailed                            LocalState = "Failed"
)

// RemoteState is the state of what this node accepts from the remote.
type RemoteState string

const (
	RemoteStart                           RemoteState = "Start"
	RemoteReceivedAuthProtocolRequest     RemoteState = "ReceivedAuthProtocolRequest"
	RemoteSentAuthProtocolResponse        RemoteState = "SentAuthProtocolResponse"
	RemoteTrustWaitingForTrustRequest     RemoteState = "Trust(WaitingForAuthTrustRequest)"
	RemoteChallengeWaitingForNonceRequest RemoteState = "Challenge(WaitingForAuthChallengeNonceRequest)"
	RemoteChallengeWaitingForSubmit       RemoteState = "Challenge(WaitingForAuthChallengeSubmitRequest)"
	RemoteAuthorized                      RemoteState = "Authorized"
	RemoteFailed                          RemoteState = "Failed"
)

// CompletionState tracks the AuthComplete handshake, which is independent of
// which sub-machine authorizes first (spec.md §4.1).
type CompletionState string

const (
	CompletionPending          CompletionState = "Pending"
	CompletionWaitForComplete  CompletionState = "WaitForComplete"
	CompletionAuthorizedAndComplete CompletionState = "AuthorizedAndComplete"
)

const minNonceSize = 64

// LocalAuth is the identity this node presents to the remote.
type LocalAuth struct {
	Type          string // "Trust" or "Challenge"
	TrustIdentity string
	Signers       []*cryptoutil.PrivateKey
}

// Config parameterizes a Session.
type Config struct {
	ProtocolMin             uint32
	ProtocolMax             uint32
	AcceptedAuthorizations  []string
	Local                   LocalAuth
	ExpectedRemotePublicKey []byte
	NonceTTL                time.Duration
	Now                     func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Session drives one connection's handshake to AuthorizedAndComplete or to
// a terminal failure.
type Session struct {
	mu sync.Mutex

	cfg Config

	local      LocalState
	remote     RemoteState
	completion CompletionState

	negotiatedVersion uint32
	receivedComplete  bool
	sentComplete      bool

	remoteIdentity  string
	remotePublicKey []byte
	remoteScheme    cryptoutil.Scheme

	pendingNonce     []byte
	pendingNonceAt   time.Time
	failureReason    string
}

// NewSession constructs a Session in its initial Start/Start state.
func NewSession(cfg Config) *Session {
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 30 * time.Second
	}
	return &Session{cfg: cfg, local: LocalStart, remote: RemoteStart, completion: CompletionPending}
}

func (s *Session) LocalState() LocalState           { s.mu.Lock(); defer s.mu.Unlock(); return s.local }
func (s *Session) RemoteState() RemoteState          { s.mu.Lock(); defer s.mu.Unlock(); return s.remote }
func (s *Session) Completion() CompletionState       { s.mu.Lock(); defer s.mu.Unlock(); return s.completion }
func (s *Session) RemoteIdentity() string            { s.mu.Lock(); defer s.mu.Unlock(); return s.remoteIdentity }
func (s *Session) IsAuthorizedAndComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completion == CompletionAuthorizedAndComplete
}

// Begin sends the initial AuthProtocolRequest, moving the local machine to
// SentAuthProtocolRequest.
func (s *Session) Begin() (*wire.AuthorizationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != LocalStart {
		return nil, fmt.Errorf("wireauth: Begin called outside Start state (%s)", s.local)
	}
	s.local = LocalSentAuthProtocolRequest
	return &wire.AuthorizationMessage{
		Type: wire.AuthProtocolRequest,
		ProtocolRequest: &wire.AuthProtocolRequestBody{
			ProtocolMin: s.cfg.ProtocolMin,
			ProtocolMax: s.cfg.ProtocolMax,
		},
	}, nil
}

// Handle advances the session on receipt of msg, returning zero or more
// outbound replies. A returned error means the session has failed; when a
// handled message fails a check, an AuthorizationError is among the
// replies, while an inbound AuthorizationError, an unknown message type or
// an already-failed session returns no replies. The caller should close the
// transport after sending any replies.
func (s *Session) Handle(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == LocalFailed || s.remote == RemoteFailed {
		return nil, fmt.Errorf("wireauth: session already failed: %s", s.failureReason)
	}

	switch msg.Type {
	case wire.AuthProtocolRequest:
		return s.handleProtocolRequest(msg)
	case wire.AuthProtocolResponse:
		return s.handleProtocolResponse(msg)
	case wire.AuthChallengeNonceRequest:
		return s.handleChallengeNonceRequest()
	case wire.AuthChallengeNonceResponse:
		return s.handleChallengeNonceResponse(msg)
	case wire.AuthChallengeSubmitRequest:
		return s.handleChallengeSubmitRequest(msg)
	case wire.AuthChallengeSubmitResponse:
		return s.handleChallengeSubmitResponse(msg)
	case wire.AuthTrustRequestType:
		return s.handleTrustRequest(msg)
	case wire.AuthTrustResponseType:
		return s.handleTrustResponse()
	case wire.AuthCompleteType:
		return s.handleAuthComplete()
	case wire.AuthorizationErrorType:
		reason := "remote reported an authorization error"
		if msg.Error != nil {
			reason = msg.Error.Reason
		}
		return nil, s.fail(reason)
	default:
		return nil, s.fail(fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

func (s *Session) fail(reason string) error {
	s.local = LocalFailed
	s.remote = RemoteFailed
	s.failureReason = reason
	return fmt.Errorf("wireauth: %s", reason)
}

func (s *Session) replyError(reason string) ([]*wire.AuthorizationMessage, error) {
	err := s.fail(reason)
	return []*wire.AuthorizationMessage{{
		Type:  wire.AuthorizationErrorType,
		Error: &wire.AuthorizationErrorBody{Reason: reason},
	}}, err
}

// negotiateVersion picks the largest mutually supported protocol version;
// 0 means no agreement (spec.md §4.1).
func negotiateVersion(localMin, localMax, remoteMin, remoteMax uint32) uint32 {
	if remoteMin > localMax || remoteMax < localMin {
		return 0
	}
	agreed := localMax
	if remoteMax < agreed {
		agreed = remoteMax
	}
	return agreed
}

func (s *Session) handleProtocolRequest(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	if s.remote != RemoteStart {
		return s.replyError("protocol request received outside Start state")
	}
	if msg.ProtocolRequest == nil {
		return s.replyError("protocol request missing body")
	}
	s.remote = RemoteReceivedAuthProtocolRequest
	version := negotiateVersion(s.cfg.ProtocolMin, s.cfg.ProtocolMax, msg.ProtocolRequest.ProtocolMin, msg.ProtocolRequest.ProtocolMax)
	if version == 0 {
		return s.replyError("no mutually supported protocol version")
	}
	s.negotiatedVersion = version
	s.remote = RemoteSentAuthProtocolResponse
	return []*wire.AuthorizationMessage{{
		Type: wire.AuthProtocolResponse,
		ProtocolResponse: &wire.AuthProtocolResponseBody{
			AcceptedVersion: version,
			AcceptedAuths:   s.cfg.AcceptedAuthorizations,
		},
	}}, nil
}

func (s *Session) handleProtocolResponse(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	if s.local != LocalSentAuthProtocolRequest {
		return s.replyError("protocol response received outside SentAuthProtocolRequest state")
	}
	if msg.ProtocolResponse == nil || msg.ProtocolResponse.AcceptedVersion == 0 {
		return s.replyError("no mutually supported protocol version")
	}
	s.local = LocalWaitingForAuthProtocolResponse
	switch s.cfg.Local.Type {
	case "Trust":
		s.local = LocalTrustWaitingForAuthTrustResponse
		return []*wire.AuthorizationMessage{{
			Type:         wire.AuthTrustRequestType,
			TrustRequest: &wire.AuthTrustRequestBody{Identity: s.cfg.Local.TrustIdentity},
		}}, nil
	case "Challenge":
		s.local = LocalChallengeWaitingForNonceResponse
		return []*wire.AuthorizationMessage{{Type: wire.AuthChallengeNonceRequest}}, nil
	default:
		return s.replyError(fmt.Sprintf("unsupported local authorization type %q", s.cfg.Local.Type))
	}
}

func (s *Session) handleChallengeNonceRequest() ([]*wire.AuthorizationMessage, error) {
	if s.remote != RemoteSentAuthProtocolResponse {
		return s.replyError("challenge nonce request received outside SentAuthProtocolResponse state")
	}
	nonce := make([]byte, minNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return s.replyError(fmt.Sprintf("generate challenge nonce: %v", err))
	}
	s.pendingNonce = nonce
	s.pendingNonceAt = s.cfg.now()
	s.remote = RemoteChallengeWaitingForSubmit
	return []*wire.AuthorizationMessage{{
		Type:                   wire.AuthChallengeNonceResponse,
		ChallengeNonceResponse: &wire.AuthChallengeNonceResponseBody{Nonce: nonce},
	}}, nil
}

func (s *Session) handleChallengeNonceResponse(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	if s.local != LocalChallengeWaitingForNonceResponse {
		return s.replyError("challenge nonce response received outside expected state")
	}
	if msg.ChallengeNonceResponse == nil || len(msg.ChallengeNonceResponse.Nonce) < minNonceSize {
		return s.replyError(fmt.Sprintf("challenge nonce too short, need >= %d bytes", minNonceSize))
	}
	nonce := msg.ChallengeNonceResponse.Nonce
	submissions := make([]wire.ChallengeSubmitEntry, 0, len(s.cfg.Local.Signers))
	for _, signer := range s.cfg.Local.Signers {
		digest := cryptoutil.Digest("splinter-auth-challenge", nonce)
		sig, err := signer.Sign(digest)
		if err != nil {
			return s.replyError(fmt.Sprintf("sign challenge nonce: %v", err))
		}
		submissions = append(submissions, wire.ChallengeSubmitEntry{
			PublicKey: signer.PublicKeyBytes(),
			Scheme:    string(signer.Scheme()),
			Signature: sig,
		})
	}
	s.local = LocalChallengeWaitingForSubmitResponse
	return []*wire.AuthorizationMessage{{
		Type:                   wire.AuthChallengeSubmitRequest,
		ChallengeSubmitRequest: &wire.AuthChallengeSubmitRequestBody{Submissions: submissions},
	}}, nil
}

func (s *Session) handleChallengeSubmitRequest(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	if s.remote != RemoteChallengeWaitingForSubmit {
		return s.replyError("challenge submit request received outside expected state")
	}
	if s.cfg.now().Sub(s.pendingNonceAt) > s.cfg.NonceTTL {
		return s.replyError("challenge nonce expired")
	}
	if msg.ChallengeSubmitRequest == nil || len(msg.ChallengeSubmitRequest.Submissions) == 0 {
		return s.replyError("challenge submit request has no submissions")
	}
	digest := cryptoutil.Digest("splinter-auth-challenge", s.pendingNonce)
	var chosen *wire.ChallengeSubmitEntry
	foundExpected := len(s.cfg.ExpectedRemotePublicKey) == 0
	for i := range msg.ChallengeSubmitRequest.Submissions {
		entry := msg.ChallengeSubmitRequest.Submissions[i]
		if err := cryptoutil.Verify(cryptoutil.Scheme(entry.Scheme), entry.PublicKey, digest, entry.Signature); err != nil {
			return s.replyError(fmt.Sprintf("challenge signature verification failed: %v", err))
		}
		if chosen == nil {
			chosen = &entry
		}
		if len(s.cfg.ExpectedRemotePublicKey) > 0 && string(entry.PublicKey) == string(s.cfg.ExpectedRemotePublicKey) {
			foundExpected = true
			chosen = &entry
		}
	}
	if !foundExpected {
		return s.replyError("expected public key absent from challenge submit list")
	}
	s.remotePublicKey = chosen.PublicKey
	s.remoteScheme = cryptoutil.Scheme(chosen.Scheme)
	peerID, err := cryptoutil.PeerIDFromPublicKey(s.remoteScheme, s.remotePublicKey)
	if err != nil {
		return s.replyError(fmt.Sprintf("derive remote identity: %v", err))
	}
	s.remoteIdentity = peerID.String()
	s.remote = RemoteAuthorized
	replies := []*wire.AuthorizationMessage{{
		Type:                    wire.AuthChallengeSubmitResponse,
		ChallengeSubmitResponse: &wire.AuthChallengeSubmitResponseBody{PublicKey: chosen.PublicKey},
	}}
	return s.appendCompletionIfReady(replies), nil
}

func (s *Session) handleChallengeSubmitResponse(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	if s.local != LocalChallengeWaitingForSubmitResponse {
		return s.replyError("challenge submit response received outside expected state")
	}
	if msg.ChallengeSubmitResponse == nil {
		return s.replyError("challenge submit response missing body")
	}
	s.local = LocalAuthorized
	return s.appendCompletionIfReady(nil), nil
}

func (s *Session) handleTrustRequest(msg *wire.AuthorizationMessage) ([]*wire.AuthorizationMessage, error) {
	if s.remote != RemoteSentAuthProtocolResponse {
		return s.replyError("trust request received outside expected state")
	}
	if msg.TrustRequest == nil || msg.TrustRequest.Identity == "" {
		return s.replyError("trust request missing identity")
	}
	s.remoteIdentity = msg.TrustRequest.Identity
	s.remote = RemoteAuthorized
	replies := []*wire.AuthorizationMessage{{Type: wire.AuthTrustResponseType, TrustResponse: &wire.AuthTrustResponseBody{}}}
	return s.appendCompletionIfReady(replies), nil
}

func (s *Session) handleTrustResponse() ([]*wire.AuthorizationMessage, error) {
	if s.local != LocalTrustWaitingForAuthTrustResponse {
		return s.replyError("trust response received outside expected state")
	}
	s.local = LocalAuthorized
	return s.appendCompletionIfReady(nil), nil
}

// appendCompletionIfReady appends an AuthComplete message to replies, once,
// the first time the local sub-machine reaches Authorized, and advances the
// completion state. Triggered purely off local's own transition, independent
// of the remote sub-machine's progress: a node that has proven its own
// identity sends AuthComplete without waiting for the remote to finish
// proving its own. Called with the lock held.
func (s *Session) appendCompletionIfReady(replies []*wire.AuthorizationMessage) []*wire.AuthorizationMessage {
	if s.local != LocalAuthorized {
		return replies
	}
	if s.sentComplete {
		return replies
	}
	s.sentComplete = true
	if s.receivedComplete {
		s.completion = CompletionAuthorizedAndComplete
	} else {
		s.completion = CompletionWaitForComplete
	}
	return append(replies, &wire.AuthorizationMessage{Type: wire.AuthCompleteType})
}

func (s *Session) handleAuthComplete() ([]*wire.AuthorizationMessage, error) {
	s.receivedComplete = true
	if s.sentComplete {
		s.completion = CompletionAuthorizedAndComplete
	}
	return nil, nil
}
