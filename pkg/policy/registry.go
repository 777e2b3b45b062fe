package policy

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed default.yaml
var defaultPolicy []byte

// DefaultPolicyID names the embedded built-in policy.
const DefaultPolicyID = "default"

// Default returns the compiled built-in policy.
func Default() (*ResolvedPolicy, error) {
	p, err := Load(defaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("policy: built-in default: %w", err)
	}
	p.ID = DefaultPolicyID
	return p, nil
}

// DefaultDocument returns the embedded built-in policy source.
func DefaultDocument() []byte {
	return append([]byte(nil), defaultPolicy...)
}

// Registry resolves policy ids to compiled policies. It holds the built-in
// default plus every *.yml, *.yaml and *.json file of a directory, keyed by
// the document id or, when absent, the file stem.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*ResolvedPolicy
	dir      string
	logger   *slog.Logger
	onReload func(p *ResolvedPolicy)
}

// NewRegistry creates a registry containing only the built-in default policy.
// Call Reload to pick up files from dir.
func NewRegistry(dir string) (*Registry, error) {
	def, err := Default()
	if err != nil {
		return nil, err
	}
	return &Registry{
		policies: map[string]*ResolvedPolicy{DefaultPolicyID: def},
		dir:      dir,
		logger:   slog.Default().With("component", "policy.registry"),
	}, nil
}

// OnReload registers a callback invoked for every policy (re)loaded from disk.
func (r *Registry) OnReload(fn func(p *ResolvedPolicy)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// Reload re-reads the policy directory. The new set replaces the old one only
// if every file compiles.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", r.dir, err)
	}

	def, err := Default()
	if err != nil {
		return err
	}
	next := map[string]*ResolvedPolicy{DefaultPolicyID: def}
	var loaded []*ResolvedPolicy
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml" && ext != ".json") {
			continue
		}
		p, err := r.loadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("policy: load %s: %w", entry.Name(), err)
		}
		next[p.ID] = p
		loaded = append(loaded, p)
	}

	r.mu.Lock()
	r.policies = next
	callback := r.onReload
	r.mu.Unlock()

	r.logger.Info("policies loaded", "dir", r.dir, "count", len(loaded))
	if callback != nil {
		for _, p := range loaded {
			callback(p)
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) (*ResolvedPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	p, err := Load(data)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		base := filepath.Base(path)
		p.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return p, nil
}

// Register adds or replaces a compiled policy under its id.
func (r *Registry) Register(p *ResolvedPolicy) error {
	if p.ID == "" {
		return newError(CodeUnresolved, "id", "policy has no id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.ID] = p
	return nil
}

// Resolve returns the policy for id; an empty id selects the default.
func (r *Registry) Resolve(id string) (*ResolvedPolicy, error) {
	if id == "" {
		id = DefaultPolicyID
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, newError(CodeUnresolved, "policy_id", "unknown policy %q", id)
	}
	return p, nil
}

// IDs lists the registered policy ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
