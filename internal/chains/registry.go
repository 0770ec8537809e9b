// Package chains holds the table of chains the server knows how to sync,
// loaded from an embedded YAML file or an operator-supplied override.
package chains

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polkatax/rewardsync/internal/address"
)

//go:embed chains.yaml
var defaultChainsYAML []byte

// Chain describes one supported blockchain and the explorer it is indexed by.
type Chain struct {
	Name   string       `yaml:"name"`
	Domain string       `yaml:"domain"` // explorer API subdomain
	Token  string       `yaml:"token"`
	Kind   address.Kind `yaml:"kind"`
}

type registryFile struct {
	Chains []Chain `yaml:"chains"`
}

// Registry is an immutable lookup table from chain name to chain.
type Registry struct {
	byName  map[string]Chain
	ordered []Chain
}

// Load parses the embedded default chain table.
func Load() (*Registry, error) {
	return parse(defaultChainsYAML)
}

// LoadFile parses a chain table from an operator-supplied YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse chains file: %w", err)
	}
	if len(file.Chains) == 0 {
		return nil, fmt.Errorf("chains file contains no chains")
	}

	byName := make(map[string]Chain, len(file.Chains))
	for _, c := range file.Chains {
		if c.Name == "" || c.Domain == "" {
			return nil, fmt.Errorf("chain entry missing name or domain: %+v", c)
		}
		if c.Kind != address.KindSubstrate && c.Kind != address.KindEVM {
			return nil, fmt.Errorf("chain %s has unknown kind %q", c.Name, c.Kind)
		}
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate chain %s", c.Name)
		}
		byName[c.Name] = c
	}

	return &Registry{byName: byName, ordered: file.Chains}, nil
}

// Get returns the chain with the given name.
func (r *Registry) Get(name string) (Chain, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// ForKind returns all chains a wallet of the given address kind can stake on,
// in file order.
func (r *Registry) ForKind(kind address.Kind) []Chain {
	var out []Chain
	for _, c := range r.ordered {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the names of all registered chains, in file order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.ordered))
	for _, c := range r.ordered {
		out = append(out, c.Name)
	}
	return out
}
