package capability

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pitabwire/batchflow/model"
)

func TestDefaultPolicy_Allows(t *testing.T) {
	p := DefaultPolicy()

	if !p.Allows(RoleGranulationOperator, model.PhaseGranulation) {
		t.Error("granulation_operator should be allowed granulation")
	}
	if p.Allows(RoleGranulationOperator, model.PhaseBlending) {
		t.Error("granulation_operator should not be allowed blending")
	}
	if p.Allows("intern", model.PhaseGranulation) {
		t.Error("unknown role should not be allowed anything")
	}
}

func TestDefaultPolicy_coversEveryPhase(t *testing.T) {
	p := DefaultPolicy()
	covered := make(map[model.Phase]bool)
	for _, r := range p.Roles() {
		for _, ph := range p.PhasesFor(r) {
			covered[ph] = true
		}
	}
	for _, ph := range model.Phases {
		if !covered[ph] {
			t.Errorf("no role is authorized for %q", ph)
		}
	}
}

func TestPolicy_PhasesFor(t *testing.T) {
	p := DefaultPolicy()
	got := p.PhasesFor(RoleQCAnalyst)
	want := []model.Phase{model.PhasePostBlendingQC, model.PhasePostCompressionQC, model.PhasePostMixingQC}
	if len(got) != len(want) {
		t.Fatalf("PhasesFor(qc_analyst) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PhasesFor[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if len(p.PhasesFor("intern")) != 0 {
		t.Error("unknown role should have no phases")
	}
}

func TestPolicy_FirstAuthorized(t *testing.T) {
	p := DefaultPolicy()

	role, ok := p.FirstAuthorized([]string{RoleMixingOperator, RoleQCAnalyst, RoleQAManager}, model.PhasePostMixingQC)
	if !ok || role != RoleQCAnalyst {
		t.Errorf("FirstAuthorized = %q, %v; want qc_analyst", role, ok)
	}

	_, ok = p.FirstAuthorized([]string{RoleMixingOperator}, model.PhaseFinalQA)
	if ok {
		t.Error("mixing_operator should not be authorized for final_qa")
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("testdata/roles.yaml")
	if err != nil {
		t.Fatalf("LoadPolicy error: %v", err)
	}
	if !p.Allows("line_lead", model.PhaseTubeFilling) {
		t.Error("line_lead should be allowed tube_filling")
	}
	if !p.Known("qc_analyst") || p.Known(RoleQAManager) {
		t.Errorf("Roles() = %v", p.Roles())
	}
}

func TestLoadPolicy_rejectsUnknownPhase(t *testing.T) {
	_, err := LoadPolicy("testdata/bad_roles.yaml")
	if err == nil {
		t.Fatal("expected error for unknown phase")
	}
	if !strings.Contains(err.Error(), "polishing") {
		t.Errorf("error = %q, want it to name the phase", err)
	}
}

func TestLoadPolicy_missingFile(t *testing.T) {
	if _, err := LoadPolicy("testdata/missing.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPolicy_Sync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  mixer: [mixing]\n"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy error: %v", err)
	}
	if p.Allows("mixer", model.PhaseTubeFilling) {
		t.Fatal("mixer should not yet be allowed tube_filling")
	}

	if err := os.WriteFile(path, []byte("roles:\n  mixer: [mixing, tube_filling]\n"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := p.Sync(); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if !p.Allows("mixer", model.PhaseTubeFilling) {
		t.Error("mixer should be allowed tube_filling after Sync")
	}

	// A broken file keeps the previous table.
	if err := os.WriteFile(path, []byte("roles:\n  mixer: [juggling]\n"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	if err := p.Sync(); err == nil {
		t.Fatal("expected Sync error")
	}
	if !p.Allows("mixer", model.PhaseMixing) {
		t.Error("previous table should survive a failed Sync")
	}
}
