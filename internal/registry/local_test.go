package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"splinter/internal/circuit"
)

func TestLocalYamlRegistryMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := NewLocalYamlRegistry(path, nil)
	require.NoError(t, err)

	nodes, err := r.Nodes()
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestLocalYamlRegistryAddAndFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := NewLocalYamlRegistry(path, nil)
	require.NoError(t, err)

	n := circuit.Node{NodeID: "alpha", Endpoints: []string{"tcps://alpha:8044"}, PublicKeys: []string{"0xabc"}}
	require.NoError(t, r.AddNode(n))

	fetched, ok, err := r.Node("alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, n.Endpoints, fetched.Endpoints)
}

func TestLocalYamlRegistryRejectsDuplicateEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := NewLocalYamlRegistry(path, nil)
	require.NoError(t, err)

	require.NoError(t, r.AddNode(circuit.Node{NodeID: "alpha", Endpoints: []string{"tcps://shared:8044"}, PublicKeys: []string{"0xabc"}}))
	err = r.AddNode(circuit.Node{NodeID: "beta", Endpoints: []string{"tcps://shared:8044"}, PublicKeys: []string{"0xdef"}})
	require.Error(t, err)
}

func TestLocalYamlRegistryRemoveNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := NewLocalYamlRegistry(path, nil)
	require.NoError(t, err)

	require.NoError(t, r.AddNode(circuit.Node{NodeID: "alpha", Endpoints: []string{"tcps://alpha:8044"}, PublicKeys: []string{"0xabc"}}))
	require.NoError(t, r.RemoveNode("alpha"))

	_, ok, err := r.Node("alpha")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalYamlRegistryReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := NewLocalYamlRegistry(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.AddNode(circuit.Node{NodeID: "alpha", Endpoints: []string{"tcps://alpha:8044"}, PublicKeys: []string{"0xabc"}}))

	// A second independent handle observes the write through its own reload.
	other, err := NewLocalYamlRegistry(path, nil)
	require.NoError(t, err)
	nodes, err := other.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.AddNode(circuit.Node{NodeID: "beta", Endpoints: []string{"tcps://beta:8044"}, PublicKeys: []string{"0xdef"}}))

	nodes, err = other.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}
