// Package catalog holds the per-product-type phase templates and the rules
// that resolve them into a concrete, ordered workflow for one product.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/batchflow/model"
)

// File is the YAML representation of a catalog.
type File struct {
	Products    map[model.ProductType]TemplateSpec `yaml:"products"`
	Checkpoints map[model.Phase]model.Phase        `yaml:"checkpoints"`
	Approvals   []model.Phase                      `yaml:"approvals"`
	Optional    []model.Phase                      `yaml:"optional"`
}

// TemplateSpec is the base ordered phase list for a product type together
// with its conditional removals and variant substitutions.
type TemplateSpec struct {
	Phases []model.Phase `yaml:"phases"`
	// Conditions keep a phase only while the expression evaluates to true
	// against the product attributes.
	Conditions    map[model.Phase]string `yaml:"conditions"`
	Substitutions []SubstitutionSpec     `yaml:"substitutions"`
}

// SubstitutionSpec replaces one phase with another when an expression over
// the product attributes holds.
type SubstitutionSpec struct {
	When    string      `yaml:"when"`
	Replace model.Phase `yaml:"replace"`
	With    model.Phase `yaml:"with"`
}

// PlannedPhase is one entry of a resolved workflow.
type PlannedPhase struct {
	Phase                    model.Phase
	Order                    int
	Skip                     bool
	Mandatory                bool
	RequiresExternalApproval bool
	Checkpoint               bool
}

type template struct {
	phases        []model.Phase
	conditions    map[model.Phase]*vm.Program
	substitutions []substitution
}

type substitution struct {
	when    *vm.Program
	replace model.Phase
	with    model.Phase
}

// Catalog is an immutable, validated set of workflow templates. It is safe
// for concurrent use.
type Catalog struct {
	templates   map[model.ProductType]template
	checkpoints map[model.Phase]model.Phase
	approvals   map[model.Phase]bool
	optional    map[model.Phase]bool
}

// New compiles and validates f. Every problem found is reported in a single
// error so a broken catalog fails at startup.
func New(f File) (*Catalog, error) {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	c := &Catalog{
		templates:   make(map[model.ProductType]template, len(f.Products)),
		checkpoints: make(map[model.Phase]model.Phase, len(f.Checkpoints)),
		approvals:   make(map[model.Phase]bool, len(f.Approvals)),
		optional:    make(map[model.Phase]bool, len(f.Optional)),
	}

	if len(f.Products) == 0 {
		add("products: at least one product template is required")
	}

	env := model.Product{}.Attributes()

	for _, pt := range sortedProductTypes(f.Products) {
		spec := f.Products[pt]
		prefix := "products." + string(pt)
		if !pt.Valid() {
			add("%s: unknown product type", prefix)
			continue
		}
		if len(spec.Phases) == 0 {
			add("%s.phases: at least one phase is required", prefix)
		}

		inTemplate := make(map[model.Phase]bool, len(spec.Phases))
		for i, p := range spec.Phases {
			if !p.Valid() {
				add("%s.phases[%d]: unknown phase %q", prefix, i, p)
			}
			inTemplate[p] = true
		}

		t := template{
			phases:     spec.Phases,
			conditions: make(map[model.Phase]*vm.Program, len(spec.Conditions)),
		}
		for p, rule := range spec.Conditions {
			if !inTemplate[p] {
				add("%s.conditions.%s: phase is not part of the template", prefix, p)
				continue
			}
			program, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
			if err != nil {
				add("%s.conditions.%s: %v", prefix, p, err)
				continue
			}
			t.conditions[p] = program
		}
		for i, sub := range spec.Substitutions {
			sp := fmt.Sprintf("%s.substitutions[%d]", prefix, i)
			if !sub.Replace.Valid() || !sub.With.Valid() {
				add("%s: unknown phase in %q -> %q", sp, sub.Replace, sub.With)
				continue
			}
			if !inTemplate[sub.Replace] {
				add("%s: phase %q is not part of the template", sp, sub.Replace)
				continue
			}
			program, err := expr.Compile(sub.When, expr.Env(env), expr.AsBool())
			if err != nil {
				add("%s.when: %v", sp, err)
				continue
			}
			t.substitutions = append(t.substitutions, substitution{
				when:    program,
				replace: sub.Replace,
				with:    sub.With,
			})
		}
		c.templates[pt] = t
	}

	for qc, target := range f.Checkpoints {
		if !qc.Valid() || !target.Valid() {
			add("checkpoints: unknown phase in %q -> %q", qc, target)
			continue
		}
		c.checkpoints[qc] = target
	}

	// Every QC phase used by a template needs a rollback target that precedes
	// it in that template.
	for _, pt := range sortedProductTypes(f.Products) {
		spec := f.Products[pt]
		for i, p := range spec.Phases {
			target, ok := c.checkpoints[p]
			if !ok {
				if p.QualityCheck() {
					add("products.%s: QC phase %q has no rollback target", pt, p)
				}
				continue
			}
			if indexOf(spec.Phases[:i], target) < 0 {
				add("products.%s: rollback target %q of %q does not precede it", pt, target, p)
			}
		}
	}

	for _, p := range f.Approvals {
		if !p.Valid() {
			add("approvals: unknown phase %q", p)
		}
		c.approvals[p] = true
	}
	for _, p := range f.Optional {
		if !p.Valid() {
			add("optional: unknown phase %q", p)
		}
		c.optional[p] = true
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("catalog: %s", strings.Join(problems, "; "))
	}
	return c, nil
}

// Load reads a YAML catalog file and validates it.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	return New(f)
}

// Plan resolves the template for product into an ordered list of phases.
// Conditionally removed phases stay in position with Skip set so they can be
// recorded as skipped rather than left out. Orders are dense and 1-based.
func (c *Catalog) Plan(product model.Product) ([]PlannedPhase, error) {
	t, ok := c.templates[product.Type]
	if !ok {
		return nil, model.NewInstantiationError(
			fmt.Sprintf("no workflow template for product type %q", product.Type),
		)
	}

	env := product.Attributes()

	// 1. Conditional removal. Removal is positional so a removed phase stays
	// removed when a substitution later replaces it.
	phases := make([]model.Phase, len(t.phases))
	copy(phases, t.phases)
	skip := make([]bool, len(phases))
	for p, program := range t.conditions {
		keep, err := evaluate(program, env)
		if err != nil {
			return nil, model.NewInstantiationError(
				fmt.Sprintf("evaluating condition for %q: %v", p, err),
			)
		}
		if keep {
			continue
		}
		for i, q := range phases {
			if q == p {
				skip[i] = true
			}
		}
	}

	// 2. Variant substitution.
	for _, sub := range t.substitutions {
		apply, err := evaluate(sub.when, env)
		if err != nil {
			return nil, model.NewInstantiationError(
				fmt.Sprintf("evaluating substitution of %q: %v", sub.replace, err),
			)
		}
		if !apply {
			continue
		}
		for i, p := range phases {
			if p == sub.replace {
				phases[i] = sub.with
			}
		}
	}

	// 3. Dedupe, first occurrence wins.
	seen := make(map[model.Phase]bool, len(phases))
	plan := make([]PlannedPhase, 0, len(phases))
	for i, p := range phases {
		if seen[p] {
			continue
		}
		seen[p] = true
		_, checkpoint := c.checkpoints[p]
		plan = append(plan, PlannedPhase{
			Phase:                    p,
			Order:                    len(plan) + 1,
			Skip:                     skip[i],
			Mandatory:                !c.optional[p],
			RequiresExternalApproval: c.approvals[p],
			Checkpoint:               checkpoint,
		})
	}

	active := 0
	for _, pp := range plan {
		if !pp.Skip {
			active++
		}
	}
	if active == 0 {
		return nil, model.NewInstantiationError(
			fmt.Sprintf("workflow for product type %q resolved to no phases", product.Type),
		)
	}
	return plan, nil
}

// Resolve returns the ordered, deduplicated phase names that are active for
// product.
func (c *Catalog) Resolve(product model.Product) ([]model.Phase, error) {
	plan, err := c.Plan(product)
	if err != nil {
		return nil, err
	}
	phases := make([]model.Phase, 0, len(plan))
	for _, pp := range plan {
		if !pp.Skip {
			phases = append(phases, pp.Phase)
		}
	}
	return phases, nil
}

// RollbackTarget returns the phase a failed checkpoint rolls back to.
func (c *Catalog) RollbackTarget(checkpoint model.Phase) (model.Phase, bool) {
	target, ok := c.checkpoints[checkpoint]
	return target, ok
}

// IsCheckpoint reports whether p is a QC checkpoint with a rollback target.
func (c *Catalog) IsCheckpoint(p model.Phase) bool {
	_, ok := c.checkpoints[p]
	return ok
}

// ValidatePlan checks that every checkpoint in plan has its rollback target
// at a strictly lower order.
func (c *Catalog) ValidatePlan(plan []PlannedPhase) error {
	order := make(map[model.Phase]int, len(plan))
	for _, pp := range plan {
		order[pp.Phase] = pp.Order
	}
	for _, pp := range plan {
		if !pp.Checkpoint {
			continue
		}
		target := c.checkpoints[pp.Phase]
		to, ok := order[target]
		if !ok || to >= pp.Order {
			return model.NewInstantiationError(
				fmt.Sprintf("rollback target %q of checkpoint %q does not precede it", target, pp.Phase),
			)
		}
	}
	return nil
}

// ProductTypes returns the product types with a template, sorted.
func (c *Catalog) ProductTypes() []model.ProductType {
	types := make([]model.ProductType, 0, len(c.templates))
	for pt := range c.templates {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func evaluate(program *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

func indexOf(phases []model.Phase, p model.Phase) int {
	for i, q := range phases {
		if q == p {
			return i
		}
	}
	return -1
}

func sortedProductTypes(m map[model.ProductType]TemplateSpec) []model.ProductType {
	types := make([]model.ProductType, 0, len(m))
	for pt := range m {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
