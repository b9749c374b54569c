package transport

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	adminservice "splinter/internal/admin/service"
	adminstate "splinter/internal/admin/state"
	"splinter/internal/admin/store"
	"splinter/internal/circuit"
	"splinter/internal/cryptoutil"
	"splinter/internal/registry"
	"splinter/internal/wire"
)

func newHarness(t *testing.T) (http.Handler, *cryptoutil.PrivateKey) {
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
	svc := adminservice.New(adminState, st, reg, nil, slog.Default())
	return NewHTTPIngress(svc, slog.Default()), key
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
	p := wire.CircuitManagementPayload{
		Header:     wire.PayloadHeader{Action: wire.ActionCircuitCreate, Requester: hex.EncodeToString(key.PublicKeyBytes()), RequesterNodeID: "alpha"},
		BodyCreate: &wire.CircuitCreateRequest{Circuit: c},
	}
	require.NoError(t, p.ComputePayloadHash())
	headerBytes, err := p.HeaderBytes()
	require.NoError(t, err)
	digest := cryptoutil.Digest("splinter-admin-payload", headerBytes)
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	p.Signature = hex.EncodeToString(sig)
	return p
}

func postSubmit(t *testing.T, h http.Handler, payload wire.CircuitManagementPayload) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/circuits/submit", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTPIngressSubmitAccepts(t *testing.T) {
	h, key := newHarness(t)
	payload := signedCreatePayload(t, key, "abcde-fghij")

	rec := postSubmit(t, h, payload)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out["ok"])
}

func TestHTTPIngressSubmitRejectsBadSignature(t *testing.T) {
	h, key := newHarness(t)
	payload := signedCreatePayload(t, key, "abcde-fghij")
	payload.Signature = hex.EncodeToString(make([]byte, 65))

	rec := postSubmit(t, h, payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPIngressSubmitRejectsDuplicateCreate(t *testing.T) {
	h, key := newHarness(t)
	payload := signedCreatePayload(t, key, "abcde-fghij")

	rec := postSubmit(t, h, payload)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := postSubmit(t, h, payload)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestHTTPIngressSubmitRejectsMalformedBody(t *testing.T) {
	h, _ := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/circuits/submit", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
