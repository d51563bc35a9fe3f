package contracts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable view of every contract, keyed by resource then
// role. Reloads build a new Snapshot; in-flight requests keep the one they
// captured. roleScope pins scoped roles to their accessible resources; a
// role without a scope entry (manager_agent, admin) sees every resource.
type Snapshot struct {
	byResource map[string]map[string]*Contract
	roleScope  map[string]map[string]bool
}

// ForRole returns the contract for (resource, role). A scoped role is
// confined to its resource set before any lookup; the "default" role entry
// covers resources the role can access but has no override for. A resource
// outside the role's scope reads the same as a nonexistent resource.
func (s *Snapshot) ForRole(resource, role string) (*Contract, bool) {
	roles, ok := s.byResource[resource]
	if !ok {
		return nil, false
	}
	if scope, scoped := s.roleScope[role]; scoped && !scope[resource] {
		return nil, false
	}
	if c, ok := roles[role]; ok {
		return c, true
	}
	c, ok := roles["default"]
	return c, ok
}

// Resources lists every resource name in the snapshot, sorted.
func (s *Snapshot) Resources() []string {
	names := make([]string, 0, len(s.byResource))
	for name := range s.byResource {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds the current contract snapshot behind an atomic pointer so
// reloads never expose a half-updated contract set.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry builds a registry seeded with the built-in contracts,
// optionally overlaid with YAML files from dir (CONTRACTS_DIR).
func NewRegistry(dir string) (*Registry, error) {
	snap, err := buildSnapshot(dir)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(snap)
	return r, nil
}

// Snapshot returns the current immutable contract set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload rebuilds the snapshot from dir and swaps it in atomically.
func (r *Registry) Reload(dir string) error {
	snap, err := buildSnapshot(dir)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	return nil
}

// contractFile is the YAML document shape: one resource, one or more role
// entries. A role list of ["default"] applies to every role.
type contractFile struct {
	Contracts []contractEntry `yaml:"contracts"`
}

type contractEntry struct {
	Roles    []string `yaml:"roles"`
	Contract Contract `yaml:",inline"`
}

func buildSnapshot(dir string) (*Snapshot, error) {
	snap := &Snapshot{
		byResource: map[string]map[string]*Contract{},
		roleScope:  map[string]map[string]bool{},
	}
	for role, resources := range builtinRoleScopes() {
		scope := make(map[string]bool, len(resources))
		for _, name := range resources {
			scope[name] = true
		}
		snap.roleScope[role] = scope
	}
	for _, c := range builtinContracts() {
		insertContract(snap, "default", c)
	}
	for role, overlay := range builtinRoleOverlays() {
		for _, c := range overlay {
			insertContract(snap, role, c)
		}
	}
	if dir == "" {
		return snap, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil
		}
		return nil, fmt.Errorf("contracts dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("contract file %s: %w", name, err)
		}
		var file contractFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("contract file %s: %w", name, err)
		}
		for _, item := range file.Contracts {
			c := item.Contract
			if err := validateContract(&c); err != nil {
				return nil, fmt.Errorf("contract file %s: %w", name, err)
			}
			roles := item.Roles
			if len(roles) == 0 {
				roles = []string{"default"}
			}
			for _, role := range roles {
				insertContract(snap, strings.TrimSpace(role), c)
			}
		}
	}
	return snap, nil
}

func insertContract(snap *Snapshot, role string, c Contract) {
	c.Limits = c.Limits.withDefaults()
	if c.FiltersAllowed == nil {
		c.FiltersAllowed = map[string][]Operator{}
	}
	// Fields without an explicit filter entry get the baseline table.
	for _, f := range c.Fields {
		if _, ok := c.FiltersAllowed[f.Name]; !ok {
			c.FiltersAllowed[f.Name] = BaselineOperators(f.Type)
		}
	}
	roles, ok := snap.byResource[c.Resource]
	if !ok {
		roles = map[string]*Contract{}
		snap.byResource[c.Resource] = roles
	}
	copied := c
	roles[role] = &copied
	// An overlay naming a scoped role grants that role the resource.
	if scope, scoped := snap.roleScope[role]; scoped {
		scope[c.Resource] = true
	}
}

func validateContract(c *Contract) error {
	if strings.TrimSpace(c.Resource) == "" {
		return fmt.Errorf("contract missing resource name")
	}
	if strings.TrimSpace(c.PrimaryKey) == "" {
		return fmt.Errorf("contract %s missing primary_key", c.Resource)
	}
	if c.GetField(c.PrimaryKey) == nil {
		return fmt.Errorf("contract %s: primary_key %q not among fields", c.Resource, c.PrimaryKey)
	}
	for _, op := range c.OpsAllowed {
		switch op {
		case OpRead, OpInsert, OpUpdate:
		default:
			return fmt.Errorf("contract %s: operation %q not representable", c.Resource, op)
		}
	}
	for field := range c.FiltersAllowed {
		if c.GetField(field) == nil {
			return fmt.Errorf("contract %s: filters_allowed references unknown field %q", c.Resource, field)
		}
	}
	for _, name := range c.OrderAllowed {
		if c.GetField(name) == nil {
			return fmt.Errorf("contract %s: order_allowed references unknown field %q", c.Resource, name)
		}
	}
	return nil
}
