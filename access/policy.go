package access

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/argus-run/argus-vault/fsutil"
	"github.com/argus-run/argus-vault/interfaces"
	"gopkg.in/yaml.v3"
)

// DefaultPolicyFileName is the policy file inside the data directory.
const DefaultPolicyFileName = "policy.yaml"

// GrantLookup returns the grants configured for subject over resource. It is
// the only policy interface the controller consumes.
type GrantLookup func(subject, resource string) []interfaces.CapabilityGrant

// GrantConfig is one policy entry as written in YAML.
type GrantConfig struct {
	Subject  string     `yaml:"subject"`
	Resource string     `yaml:"resource"`
	Scopes   []string   `yaml:"scopes"`
	Expires  *time.Time `yaml:"expires,omitempty"`
}

type policyFile struct {
	Grants []GrantConfig `yaml:"grants"`
}

// Policy is a static set of capability grants.
type Policy struct {
	grants []interfaces.CapabilityGrant
}

// NewPolicy validates grant configs and expands them into one grant per
// scope.
func NewPolicy(configs []GrantConfig) (*Policy, error) {
	p := &Policy{}
	for i, gc := range configs {
		if gc.Subject == "" || gc.Resource == "" {
			return nil, fmt.Errorf("grant %d: subject and resource are required", i)
		}
		if _, err := path.Match(gc.Subject, ""); err != nil {
			return nil, fmt.Errorf("grant %d: bad subject pattern %q: %w", i, gc.Subject, err)
		}
		if _, err := path.Match(gc.Resource, ""); err != nil {
			return nil, fmt.Errorf("grant %d: bad resource pattern %q: %w", i, gc.Resource, err)
		}
		if len(gc.Scopes) == 0 {
			return nil, fmt.Errorf("grant %d: at least one scope is required", i)
		}
		for _, s := range gc.Scopes {
			scope, err := interfaces.ParseScope(s)
			if err != nil {
				return nil, fmt.Errorf("grant %d: %w", i, err)
			}
			p.grants = append(p.grants, interfaces.CapabilityGrant{
				Subject:  gc.Subject,
				Resource: gc.Resource,
				Scope:    scope,
				Expiry:   gc.Expires,
			})
		}
	}
	return p, nil
}

// ParsePolicy parses a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return NewPolicy(pf.Grants)
}

// LoadPolicy reads the policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParsePolicy(data)
}

// DefaultGrants gives operator every scope over everything.
func DefaultGrants(operator string) []GrantConfig {
	return []GrantConfig{{
		Subject:  operator,
		Resource: interfaces.MatchAll,
		Scopes: []string{
			string(interfaces.ScopeRead),
			string(interfaces.ScopeWrite),
			string(interfaces.ScopeRotate),
			string(interfaces.ScopeDelete),
		},
	}}
}

// WriteDefaultPolicy writes the default policy unless a policy already
// exists at path.
func WriteDefaultPolicy(path, operator string) error {
	exists, err := fsutil.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	data, err := yaml.Marshal(policyFile{Grants: DefaultGrants(operator)})
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, fsutil.FilePermissions); err != nil && !errors.Is(err, os.ErrExist) && !fsutil.IsCommitted(err) {
		return fmt.Errorf("failed to write policy: %w", err)
	}
	return nil
}

// Lookup returns the grants whose patterns cover subject and resource.
func (p *Policy) Lookup(subject, resource string) []interfaces.CapabilityGrant {
	var out []interfaces.CapabilityGrant
	for _, g := range p.grants {
		if g.Matches(subject, resource) {
			out = append(out, g)
		}
	}
	return out
}

func (p *Policy) Grants() []interfaces.CapabilityGrant {
	return append([]interfaces.CapabilityGrant(nil), p.grants...)
}
