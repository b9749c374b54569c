package wireauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"splinter/internal/cryptoutil"
	"splinter/internal/wire"
)

// drive pumps messages between two sessions until both reach
// AuthorizedAndComplete or an error occurs.
func drive(t *testing.T, a, b *Session) {
	t.Helper()

	initA, err := a.Begin()
	require.NoError(t, err)
	initB, err := b.Begin()
	require.NoError(t, err)

	inboxA := []*wire.AuthorizationMessage{initB}
	inboxB := []*wire.AuthorizationMessage{initA}

	for i := 0; i < 50 && (!a.IsAuthorizedAndComplete() || !b.IsAuthorizedAndComplete()); i++ {
		var nextA, nextB []*wire.AuthorizationMessage
		for _, msg := range inboxA {
			out, err := a.Handle(msg)
			require.NoError(t, err)
			nextB = append(nextB, out...)
		}
		for _, msg := range inboxB {
			out, err := b.Handle(msg)
			require.NoError(t, err)
			nextA = append(nextA, out...)
		}
		inboxA, inboxB = nextA, nextB
		if len(inboxA) == 0 && len(inboxB) == 0 {
			break
		}
	}
}

func TestTrustHandshakeReachesAuthorizedAndComplete(t *testing.T) {
	cfgA := Config{
		ProtocolMin: 1, ProtocolMax: 2,
		AcceptedAuthorizations: []string{"Trust"},
		Local:                  LocalAuth{Type: "Trust", TrustIdentity: "Node-A"},
	}
	cfgB := Config{
		ProtocolMin: 1, ProtocolMax: 2,
		AcceptedAuthorizations: []string{"Trust"},
		Local:                  LocalAuth{Type: "Trust", TrustIdentity: "Node-B"},
	}
	a := NewSession(cfgA)
	b := NewSession(cfgB)

	drive(t, a, b)

	require.True(t, a.IsAuthorizedAndComplete())
	require.True(t, b.IsAuthorizedAndComplete())
	require.Equal(t, "Node-B", a.RemoteIdentity())
	require.Equal(t, "Node-A", b.RemoteIdentity())
}

func TestChallengeHandshakeReachesAuthorizedAndComplete(t *testing.T) {
	keyA, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)
	keyB, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)

	cfgA := Config{
		ProtocolMin: 1, ProtocolMax: 1,
		AcceptedAuthorizations: []string{"Challenge"},
		Local:                  LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{keyA}},
	}
	cfgB := Config{
		ProtocolMin: 1, ProtocolMax: 1,
		AcceptedAuthorizations: []string{"Challenge"},
		Local:                  LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{keyB}},
	}
	a := NewSession(cfgA)
	b := NewSession(cfgB)

	drive(t, a, b)

	require.True(t, a.IsAuthorizedAndComplete())
	require.True(t, b.IsAuthorizedAndComplete())

	wantBIdentity, err := cryptoutil.PeerIDFromPublicKey(keyB.Scheme(), keyB.PublicKeyBytes())
	require.NoError(t, err)
	require.Equal(t, wantBIdentity.String(), a.RemoteIdentity())
}

func TestExpectedPublicKeyAbsentFromSubmitListFails(t *testing.T) {
	keyA, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)
	keyB, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)
	wrongExpected, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)

	cfgA := Config{
		ProtocolMin: 1, ProtocolMax: 1,
		AcceptedAuthorizations: []string{"Challenge"},
		Local:                  LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{keyA}},
	}
	cfgB := Config{
		ProtocolMin: 1, ProtocolMax: 1,
		AcceptedAuthorizations: []string{"Challenge"},
		Local:                  LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{keyB}},
		ExpectedRemotePublicKey: wrongExpected.PublicKeyBytes(),
	}
	a := NewSession(cfgA)
	b := NewSession(cfgB)

	initA, err := a.Begin()
	require.NoError(t, err)
	initB, err := b.Begin()
	require.NoError(t, err)

	_, err = a.Handle(initB)
	require.NoError(t, err)
	_, err = b.Handle(initA)
	require.NoError(t, err)

	// a asks for a nonce; b supplies one.
	nonceReq, err := a.Handle(&wire.AuthorizationMessage{
		Type: wire.AuthProtocolResponse,
		ProtocolResponse: &wire.AuthProtocolResponseBody{AcceptedVersion: 1, AcceptedAuths: []string{"Challenge"}},
	})
	require.NoError(t, err)
	require.Len(t, nonceReq, 1)

	_, err = b.Handle(&wire.AuthorizationMessage{
		Type: wire.AuthProtocolResponse,
		ProtocolResponse: &wire.AuthProtocolResponseBody{AcceptedVersion: 1, AcceptedAuths: []string{"Challenge"}},
	})
	require.NoError(t, err)

	nonceResp, err := b.Handle(nonceReq[0])
	require.NoError(t, err)
	require.Len(t, nonceResp, 1)

	submitReq, err := a.Handle(nonceResp[0])
	require.NoError(t, err)
	require.Len(t, submitReq, 1)

	_, err = b.Handle(submitReq[0])
	require.Error(t, err)
	require.Equal(t, RemoteFailed, b.RemoteState())
}

// TestAuthCompleteSentBeforeRemoteAuthorizesLocally exercises the asymmetric
// case drive() never does: this node's own identity proof lands (local
// reaches Authorized) while the remote's identity proof has not yet been
// processed on this side (remote is still short of Authorized). AuthComplete
// must go out immediately rather than waiting for the remote sub-machine.
func TestAuthCompleteSentBeforeRemoteAuthorizesLocally(t *testing.T) {
	cfgA := Config{
		ProtocolMin: 1, ProtocolMax: 1,
		AcceptedAuthorizations: []string{"Trust"},
		Local:                  LocalAuth{Type: "Trust", TrustIdentity: "Node-A"},
	}
	cfgB := Config{
		ProtocolMin: 1, ProtocolMax: 1,
		AcceptedAuthorizations: []string{"Trust"},
		Local:                  LocalAuth{Type: "Trust", TrustIdentity: "Node-B"},
	}
	a := NewSession(cfgA)
	b := NewSession(cfgB)

	initA, err := a.Begin()
	require.NoError(t, err)
	initB, err := b.Begin()
	require.NoError(t, err)

	protoRespFromA, err := a.Handle(initB)
	require.NoError(t, err)
	require.Len(t, protoRespFromA, 1)
	protoRespFromB, err := b.Handle(initA)
	require.NoError(t, err)
	require.Len(t, protoRespFromB, 1)

	trustReqFromA, err := a.Handle(protoRespFromB[0])
	require.NoError(t, err)
	require.Len(t, trustReqFromA, 1)
	trustReqFromB, err := b.Handle(protoRespFromA[0])
	require.NoError(t, err)
	require.Len(t, trustReqFromB, 1)

	// b authorizes a's identity and replies, but that reply is delivered to
	// a below before a ever processes b's own trust request: a's remote
	// sub-machine stays at Start while a's local sub-machine completes.
	trustRespFromB, err := b.Handle(trustReqFromA[0])
	require.NoError(t, err)
	require.Len(t, trustRespFromB, 1)

	replies, err := a.Handle(trustRespFromB[0])
	require.NoError(t, err)

	require.Equal(t, LocalAuthorized, a.LocalState())
	require.Equal(t, RemoteStart, a.RemoteState())
	require.Equal(t, CompletionWaitForComplete, a.Completion())
	require.False(t, a.IsAuthorizedAndComplete())

	require.Len(t, replies, 1)
	require.Equal(t, wire.AuthCompleteType, replies[0].Type)

	// a now catches up: it processes b's trust request (remote authorizes),
	// acking b's identity in turn. appendCompletionIfReady is a no-op here
	// since a already sent AuthComplete above.
	ackAToB, err := a.Handle(trustReqFromB[0])
	require.NoError(t, err)
	require.Equal(t, RemoteAuthorized, a.RemoteState())
	require.Len(t, ackAToB, 1)

	// b receives a's ack of its identity: b.local reaches Authorized and b
	// sends its own AuthComplete, independent of a's completion.
	bReplies, err := b.Handle(ackAToB[0])
	require.NoError(t, err)
	require.Equal(t, LocalAuthorized, b.LocalState())
	require.Len(t, bReplies, 1)
	require.Equal(t, wire.AuthCompleteType, bReplies[0].Type)

	// Each side finally receives the other's AuthComplete.
	_, err = a.Handle(bReplies[0])
	require.NoError(t, err)
	_, err = b.Handle(replies[0])
	require.NoError(t, err)

	require.True(t, a.IsAuthorizedAndComplete())
	require.True(t, b.IsAuthorizedAndComplete())
}

func TestProtocolVersionMismatchRejected(t *testing.T) {
	cfgA := Config{ProtocolMin: 5, ProtocolMax: 6, Local: LocalAuth{Type: "Trust", TrustIdentity: "A"}}
	cfgB := Config{ProtocolMin: 1, ProtocolMax: 2, Local: LocalAuth{Type: "Trust", TrustIdentity: "B"}}
	a := NewSession(cfgA)
	b := NewSession(cfgB)

	initA, err := a.Begin()
	require.NoError(t, err)

	_, err = b.Handle(initA)
	require.Error(t, err)
	require.Equal(t, RemoteFailed, b.RemoteState())
}

func TestChallengeNonceExpiresAfterTTL(t *testing.T) {
	now := time.Now()
	clock := &now
	nowFn := func() time.Time { return *clock }

	keyA, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)
	keyB, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)

	cfgA := Config{ProtocolMin: 1, ProtocolMax: 1, Local: LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{keyA}}, Now: nowFn}
	cfgB := Config{ProtocolMin: 1, ProtocolMax: 1, Local: LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{keyB}}, Now: nowFn, NonceTTL: time.Second}
	a := NewSession(cfgA)
	b := NewSession(cfgB)

	initA, _ := a.Begin()
	initB, _ := b.Begin()
	_, _ = a.Handle(initB)
	_, _ = b.Handle(initA)

	nonceReq, err := a.Handle(&wire.AuthorizationMessage{Type: wire.AuthProtocolResponse, ProtocolResponse: &wire.AuthProtocolResponseBody{AcceptedVersion: 1}})
	require.NoError(t, err)
	nonceResp, err := b.Handle(nonceReq[0])
	require.NoError(t, err)

	*clock = clock.Add(2 * time.Second)

	submitReq, err := a.Handle(nonceResp[0])
	require.NoError(t, err)

	_, err = b.Handle(submitReq[0])
	require.Error(t, err)
}
