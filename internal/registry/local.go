// Package registry implements the local and remote node registries (C7,
// consumed): a YAML file-backed directory mapping node_id to its endpoints,
// public keys, and metadata, grounded on gateway/config/config.go's
// yaml.v3-struct loading and resolved against
// original_source/libsplinter/src/registry/yaml/{local,remote}.rs for the
// mtime-cache and atomic-rewrite semantics the distilled spec only sketches.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"splinter/internal/circuit"
)

// yamlNode mirrors circuit.Node for the YAML file shape; kept distinct so a
// registry file's wire format doesn't couple to circuit's JSON tags.
type yamlNode struct {
	NodeID      string            `yaml:"node_id"`
	Endpoints   []string          `yaml:"endpoints"`
	PublicKeys  []string          `yaml:"public_keys"`
	DisplayName string            `yaml:"display_name,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

func (n yamlNode) toDomain() circuit.Node {
	return circuit.Node{NodeID: n.NodeID, Endpoints: n.Endpoints, PublicKeys: n.PublicKeys, DisplayName: n.DisplayName, Metadata: n.Metadata}
}

func fromDomain(n circuit.Node) yamlNode {
	return yamlNode{NodeID: n.NodeID, Endpoints: n.Endpoints, PublicKeys: n.PublicKeys, DisplayName: n.DisplayName, Metadata: n.Metadata}
}

// Registry is the capability surface both LocalYamlRegistry and
// RemoteYamlRegistry satisfy.
type Registry interface {
	Node(nodeID string) (circuit.Node, bool, error)
	Nodes() ([]circuit.Node, error)
}

// Writer is implemented only by registries that accept local writes.
type Writer interface {
	AddNode(n circuit.Node) error
	RemoveNode(nodeID string) error
}

// ValidateNodes checks the cross-node invariants spec.md §4.5 calls out:
// unique ids, unique endpoints across the whole set, and that every node
// carries at least one endpoint and one public key.
func ValidateNodes(nodes []circuit.Node) error {
	seenIDs := make(map[string]struct{}, len(nodes))
	seenEndpoints := make(map[string]struct{})
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return err
		}
		if _, dup := seenIDs[n.NodeID]; dup {
			return fmt.Errorf("registry: duplicate node_id %q", n.NodeID)
		}
		seenIDs[n.NodeID] = struct{}{}
		for _, ep := range n.Endpoints {
			if _, dup := seenEndpoints[ep]; dup {
				return fmt.Errorf("registry: duplicate endpoint %q across registry", ep)
			}
			seenEndpoints[ep] = struct{}{}
		}
	}
	return nil
}

// LocalYamlRegistry is a file-backed node directory, cached in memory and
// refreshed when the backing file's mtime advances.
type LocalYamlRegistry struct {
	mu       sync.RWMutex
	path     string
	logger   *slog.Logger
	lastMod  time.Time
	cache    map[string]circuit.Node
	order    []string
}

// NewLocalYamlRegistry loads path immediately; a missing file starts with an
// empty registry rather than failing, since a brand-new node has nothing to
// serve yet.
func NewLocalYamlRegistry(path string, logger *slog.Logger) (*LocalYamlRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &LocalYamlRegistry{path: path, logger: logger, cache: make(map[string]circuit.Node)}
	if err := r.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

// reload re-parses the file if its mtime has advanced since the last
// successful read; on any read/parse failure it logs and keeps serving the
// last good cache (spec.md §4.5: "last cached snapshot is served").
func (r *LocalYamlRegistry) reload() error {
	info, err := os.Stat(r.path)
	if err != nil {
		return err
	}
	r.mu.RLock()
	stale := info.ModTime().After(r.lastMod)
	r.mu.RUnlock()
	if !stale {
		return nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("registry: read failed, serving cached snapshot", "path", r.path, "error", err)
		return nil
	}
	var doc struct {
		Nodes []yamlNode `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		r.logger.Warn("registry: parse failed, serving cached snapshot", "path", r.path, "error", err)
		return nil
	}
	nodes := make([]circuit.Node, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodes = append(nodes, n.toDomain())
	}
	if err := ValidateNodes(nodes); err != nil {
		r.logger.Warn("registry: validation failed, serving cached snapshot", "path", r.path, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]circuit.Node, len(nodes))
	r.order = make([]string, 0, len(nodes))
	for _, n := range nodes {
		r.cache[n.NodeID] = n
		r.order = append(r.order, n.NodeID)
	}
	r.lastMod = info.ModTime()
	return nil
}

// Node returns the node by id, reloading the backing file first if it has
// changed on disk.
func (r *LocalYamlRegistry) Node(nodeID string) (circuit.Node, bool, error) {
	_ = r.reload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.cache[nodeID]
	return n, ok, nil
}

// Nodes returns every known node in insertion order, reloading first.
func (r *LocalYamlRegistry) Nodes() ([]circuit.Node, error) {
	_ = r.reload()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]circuit.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.cache[id])
	}
	return out, nil
}

// AddNode validates the resulting node set, then atomically rewrites the
// backing file (temp file + rename), per spec.md §4.5.
func (r *LocalYamlRegistry) AddNode(n circuit.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]circuit.Node, len(r.cache)+1)
	for k, v := range r.cache {
		next[k] = v
	}
	next[n.NodeID] = n
	nodes := make([]circuit.Node, 0, len(next))
	order := make([]string, 0, len(next))
	added := false
	for _, id := range r.order {
		if id == n.NodeID {
			added = true
		}
		nodes = append(nodes, next[id])
		order = append(order, id)
	}
	if !added {
		nodes = append(nodes, n)
		order = append(order, n.NodeID)
	}
	if err := ValidateNodes(nodes); err != nil {
		return err
	}
	if err := r.writeLocked(nodes); err != nil {
		return err
	}
	r.cache = next
	r.order = order
	return nil
}

// RemoveNode removes nodeID and rewrites the backing file atomically.
func (r *LocalYamlRegistry) RemoveNode(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[nodeID]; !ok {
		return fmt.Errorf("registry: unknown node %q", nodeID)
	}
	nodes := make([]circuit.Node, 0, len(r.cache)-1)
	order := make([]string, 0, len(r.order)-1)
	for _, id := range r.order {
		if id == nodeID {
			continue
		}
		nodes = append(nodes, r.cache[id])
		order = append(order, id)
	}
	if err := r.writeLocked(nodes); err != nil {
		return err
	}
	delete(r.cache, nodeID)
	r.order = order
	return nil
}

func (r *LocalYamlRegistry) writeLocked(nodes []circuit.Node) error {
	doc := struct {
		Nodes []yamlNode `yaml:"nodes"`
	}{Nodes: make([]yamlNode, 0, len(nodes))}
	for _, n := range nodes {
		doc.Nodes = append(doc.Nodes, fromDomain(n))
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: serialize: %w", err)
	}
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename temp file: %w", err)
	}
	if info, err := os.Stat(r.path); err == nil {
		r.lastMod = info.ModTime()
	}
	return nil
}
