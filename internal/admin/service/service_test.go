package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	adminstate "splinter/internal/admin/state"
	"splinter/internal/admin/store"
	"splinter/internal/circuit"
	"splinter/internal/cryptoutil"
	"splinter/internal/peer"
	"splinter/internal/registry"
	"splinter/internal/wire"
)

func newHarness(t *testing.T) (*Service, store.Store, *registry.LocalYamlRegistry, *cryptoutil.PrivateKey) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := store.Open(store.Config{Backend: store.BackendSQLite, DSN: dsn})
	require.NoError(t, err)

	key, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)
	pubHex := hex.EncodeToString(key.PublicKeyBytes())

	regPath := filepath.Join(t.TempDir(), "registry.yaml")
	reg, err := registry.NewLocalYamlRegistry(regPath, nil)
	require.NoError(t, err)
	require.NoError(t, reg.AddNode(circuit.Node{NodeID: "alpha", Endpoints: []string{"tcps://alpha:8044"}, PublicKeys: []string{pubHex}}))
	require.NoError(t, reg.AddNode(circuit.Node{NodeID: "beta", Endpoints: []string{"tcps://beta:8044"}, PublicKeys: []string{"0xbeta"}}))

	adminState := adminstate.New(st, "alpha", slog.Default())
	svc := New(adminState, st, reg, nil, slog.Default())
	return svc, st, reg, key
}

func signedCreatePayload(t *testing.T, key *cryptoutil.PrivateKey, circuitID string) wire.CircuitManagementPayload {
	t.Helper()
	c := circuit.Circuit{
		CircuitID:             circuitID,
		AuthorizationType:     circuit.AuthorizationTrust,
		CircuitManagementType: "test-app",
		CircuitVersion:        1,
		CircuitStatus:         circuit.CircuitActive,
		Members: []circuit.Member{
			{NodeID: "alpha", Endpoints: []string{"tcps://alpha:8044"}},
			{NodeID: "beta", Endpoints: []string{"tcps://beta:8044"}},
		},
	}
	return signPayload(t, key, wire.CircuitManagementPayload{
		Header:     wire.PayloadHeader{Action: wire.ActionCircuitCreate, Requester: hex.EncodeToString(key.PublicKeyBytes()), RequesterNodeID: "alpha"},
		BodyCreate: &wire.CircuitCreateRequest{Circuit: c},
	})
}

func signPayload(t *testing.T, key *cryptoutil.PrivateKey, p wire.CircuitManagementPayload) wire.CircuitManagementPayload {
	t.Helper()
	require.NoError(t, p.ComputePayloadHash())
	headerBytes, err := p.HeaderBytes()
	require.NoError(t, err)
	digest := cryptoutil.Digest("splinter-admin-payload", headerBytes)
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	p.Signature = hex.EncodeToString(sig)
	return p
}

func TestSubmitCircuitChangeCreate(t *testing.T) {
	svc, st, _, key := newHarness(t)
	ctx := context.Background()

	payload := signedCreatePayload(t, key, "abcde-fghij")
	require.NoError(t, svc.SubmitCircuitChange(ctx, payload))

	_, ok, err := st.FetchProposal(ctx, "abcde-fghij")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSubmitCircuitChangeRejectsBadSignature(t *testing.T) {
	svc, _, _, key := newHarness(t)
	ctx := context.Background()

	payload := signedCreatePayload(t, key, "abcde-fghij")
	payload.Signature = hex.EncodeToString(make([]byte, 65))
	err := svc.SubmitCircuitChange(ctx, payload)
	require.Error(t, err)
	require.True(t, circuit.IsKind(err, circuit.ErrInvalidPayload))
}

func TestSubmitCircuitChangeRejectsUnregisteredNode(t *testing.T) {
	svc, _, _, key := newHarness(t)
	ctx := context.Background()

	payload := signedCreatePayload(t, key, "abcde-fghij")
	payload.Header.RequesterNodeID = "gamma"
	payload = signPayload(t, key, payload)
	err := svc.SubmitCircuitChange(ctx, payload)
	require.Error(t, err)
	require.True(t, circuit.IsKind(err, circuit.ErrUnauthorized))
}

func TestSubmitCircuitChangeRejectsDuplicateCreate(t *testing.T) {
	svc, _, _, key := newHarness(t)
	ctx := context.Background()

	payload := signedCreatePayload(t, key, "abcde-fghij")
	require.NoError(t, svc.SubmitCircuitChange(ctx, payload))

	err := svc.SubmitCircuitChange(ctx, payload)
	require.Error(t, err)
	require.True(t, circuit.IsKind(err, circuit.ErrInvalidState))
}

// TestSubmitCircuitChangeBroadcastsProposedCircuit exercises the relay a
// verifier node otherwise has no way to learn a proposal's content from:
// handleCreate must broadcast PROPOSED_CIRCUIT once SubmitProposal succeeds.
func TestSubmitCircuitChangeBroadcastsProposedCircuit(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := store.Open(store.Config{Backend: store.BackendSQLite, DSN: dsn})
	require.NoError(t, err)

	key, err := cryptoutil.GenerateSecp256k1()
	require.NoError(t, err)
	pubHex := hex.EncodeToString(key.PublicKeyBytes())

	regPath := filepath.Join(t.TempDir(), "registry.yaml")
	reg, err := registry.NewLocalYamlRegistry(regPath, nil)
	require.NoError(t, err)
	require.NoError(t, reg.AddNode(circuit.Node{NodeID: "alpha", Endpoints: []string{"tcps://alpha:8044"}, PublicKeys: []string{pubHex}}))
	require.NoError(t, reg.AddNode(circuit.Node{NodeID: "beta", Endpoints: []string{"tcps://beta:8044"}, PublicKeys: []string{"0xbeta"}}))

	self, err := cryptoutil.NewPeerID(cryptoutil.PeerIDPrefix, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	verifier, err := cryptoutil.NewPeerID(cryptoutil.PeerIDPrefix, []byte{2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	peers := peer.NewInMemory(self, 0, 0)
	verifierInbox := make(chan peer.Message, 1)
	peers.Register(verifier, verifierInbox)

	adminState := adminstate.New(st, "alpha", slog.Default())
	svc := New(adminState, st, reg, peers, slog.Default())

	payload := signedCreatePayload(t, key, "abcde-fghij")
	require.NoError(t, svc.SubmitCircuitChange(context.Background(), payload))

	select {
	case msg := <-verifierInbox:
		require.Equal(t, "admin", msg.Channel)
		var admin wire.AdminMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &admin))
		require.Equal(t, wire.AdminProposedCircuit, admin.Type)
		require.NotNil(t, admin.ProposedCircuit)
		require.Equal(t, "abcde-fghij", admin.ProposedCircuit.Proposal.CircuitID)
		require.Equal(t, []string{"beta"}, admin.ProposedCircuit.RequiredVerifier)
	default:
		t.Fatal("expected a broadcast PROPOSED_CIRCUIT message")
	}
}

func TestNegotiateProtocolVersionPinsOnce(t *testing.T) {
	svc, _, _, _ := newHarness(t)
	v := svc.NegotiateProtocolVersion("beta", 1, 1)
	require.Equal(t, uint32(1), v)
	require.Equal(t, uint32(1), svc.PinnedVersion("beta"))

	// A later call with different remote bounds still returns the pinned value.
	v2 := svc.NegotiateProtocolVersion("beta", 5, 9)
	require.Equal(t, uint32(1), v2)
}

func TestNegotiateProtocolVersionNoAgreement(t *testing.T) {
	svc, _, _, _ := newHarness(t)
	v := svc.NegotiateProtocolVersion("gamma", 2, 9)
	require.Equal(t, uint32(0), v)
}
