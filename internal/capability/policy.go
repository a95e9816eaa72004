// Package capability maps operator roles to the phases they may act on.
package capability

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/batchflow/model"
)

// Operator roles known to the default policy.
const (
	RoleQAManager           = "qa_manager"
	RoleRegulatoryOfficer   = "regulatory_officer"
	RoleStoreManager        = "store_manager"
	RoleDispensingOperator  = "dispensing_operator"
	RoleGranulationOperator = "granulation_operator"
	RoleBlendingOperator    = "blending_operator"
	RoleCompressionOperator = "compression_operator"
	RoleQCAnalyst           = "qc_analyst"
	RoleSortingOperator     = "sorting_operator"
	RoleCoatingOperator     = "coating_operator"
	RoleMixingOperator      = "mixing_operator"
	RoleFillingOperator     = "filling_operator"
	RolePackingOperator     = "packing_operator"
)

type policyFile struct {
	Roles map[string][]model.Phase `yaml:"roles"`
}

// Policy is the static role to phase authorization table. It is safe for
// concurrent use; Sync swaps the table atomically.
type Policy struct {
	path  string
	mu    sync.RWMutex
	roles map[string]map[model.Phase]bool
}

// DefaultRoles returns the built-in role table.
func DefaultRoles() map[string][]model.Phase {
	return map[string][]model.Phase{
		RoleQAManager:           {model.PhaseBMRCreation, model.PhaseFinalQA},
		RoleRegulatoryOfficer:   {model.PhaseRegulatoryApproval},
		RoleStoreManager:        {model.PhaseRawMaterialRelease, model.PhasePackagingMaterialRelease, model.PhaseFinishedGoodsStore},
		RoleDispensingOperator:  {model.PhaseMaterialDispensing},
		RoleGranulationOperator: {model.PhaseGranulation},
		RoleBlendingOperator:    {model.PhaseBlending},
		RoleCompressionOperator: {model.PhaseCompression},
		RoleQCAnalyst:           {model.PhasePostCompressionQC, model.PhasePostMixingQC, model.PhasePostBlendingQC},
		RoleSortingOperator:     {model.PhaseSorting},
		RoleCoatingOperator:     {model.PhaseCoating},
		RoleMixingOperator:      {model.PhaseMixing},
		RoleFillingOperator:     {model.PhaseCapsuleFilling, model.PhaseTubeFilling},
		RolePackingOperator:     {model.PhaseBlisterPacking, model.PhaseBulkPacking, model.PhaseSecondaryPackaging},
	}
}

// NewPolicy builds a policy from a role table, rejecting unknown phases.
func NewPolicy(roles map[string][]model.Phase) (*Policy, error) {
	table, err := buildTable(roles)
	if err != nil {
		return nil, err
	}
	return &Policy{roles: table}, nil
}

// DefaultPolicy returns a policy over DefaultRoles.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRoles())
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy creates a policy backed by a YAML file of the form
// roles: {role: [phase, ...]}.
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Sync reloads the policy file from disk. Policies built in memory have no
// file and Sync is a no-op for them.
func (p *Policy) Sync() error {
	if p.path == "" {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}

	table, err := buildTable(f.Roles)
	if err != nil {
		return fmt.Errorf("capability: %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.roles = table
	p.mu.Unlock()

	return nil
}

// Known reports whether role exists in the table.
func (p *Policy) Known(role string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.roles[role]
	return ok
}

// Allows reports whether role may act on phase.
func (p *Policy) Allows(role string, phase model.Phase) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roles[role][phase]
}

// PhasesFor returns the phases role may act on, sorted by name.
func (p *Policy) PhasesFor(role string) []model.Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.roles[role]
	phases := make([]model.Phase, 0, len(set))
	for ph := range set {
		phases = append(phases, ph)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })
	return phases
}

// FirstAuthorized returns the first of roles that may act on phase.
func (p *Policy) FirstAuthorized(roles []string, phase model.Phase) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, r := range roles {
		if p.roles[r][phase] {
			return r, true
		}
	}
	return "", false
}

// Roles returns every role in the table, sorted.
func (p *Policy) Roles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	roles := make([]string, 0, len(p.roles))
	for r := range p.roles {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

func buildTable(roles map[string][]model.Phase) (map[string]map[model.Phase]bool, error) {
	if len(roles) == 0 {
		return nil, errors.New("at least one role is required")
	}

	var problems []string
	table := make(map[string]map[model.Phase]bool, len(roles))
	for role, phases := range roles {
		set := make(map[model.Phase]bool, len(phases))
		for _, ph := range phases {
			if !ph.Valid() {
				problems = append(problems, fmt.Sprintf("role %q: unknown phase %q", role, ph))
				continue
			}
			set[ph] = true
		}
		table[role] = set
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return table, nil
}
