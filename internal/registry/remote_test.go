package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleRegistryYAML = `nodes:
  - node_id: alpha
    endpoints:
      - tcps://alpha:8044
    public_keys:
      - "0xabc"
`

func TestRemoteYamlRegistryFetchesAndServesNodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleRegistryYAML))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r, err := NewRemoteYamlRegistry(context.Background(), dir, srv.URL, 0, 0, nil)
	require.NoError(t, err)
	defer r.Close()

	node, ok, err := r.Node("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"tcps://alpha:8044"}, node.Endpoints)
}

func TestRemoteYamlRegistryCachePathIsDeterministic(t *testing.T) {
	a := CachePath("/tmp/state", "https://registry.example/nodes.yaml")
	b := CachePath("/tmp/state", "https://registry.example/nodes.yaml")
	require.Equal(t, a, b)

	other := CachePath("/tmp/state", "https://registry.example/other.yaml")
	require.NotEqual(t, a, other)
}

func TestRemoteYamlRegistryPersistsLastRefreshAcrossRestarts(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(sampleRegistryYAML))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r, err := NewRemoteYamlRegistry(context.Background(), dir, srv.URL, 0, time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, 1, hits)
	r.Close()

	// Reopening performs one synchronous initial fetch regardless of the
	// persisted timestamp; what the persisted timestamp buys is that a
	// subsequent read within forcedRefresh doesn't trigger another one.
	r2, err := NewRemoteYamlRegistry(context.Background(), dir, srv.URL, 0, time.Hour, nil)
	require.NoError(t, err)
	defer r2.Close()
	require.Equal(t, 2, hits)

	_, _, err = r2.Node("alpha")
	require.NoError(t, err)
	require.Equal(t, 2, hits)
}
