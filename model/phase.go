package model

import (
	"fmt"
	"time"
)

// Phase identifies a manufacturing or quality step. The set is closed; use
// ParsePhase to convert untrusted input.
type Phase string

const (
	PhaseBMRCreation              Phase = "bmr_creation"
	PhaseRegulatoryApproval       Phase = "regulatory_approval"
	PhaseRawMaterialRelease       Phase = "raw_material_release"
	PhaseMaterialDispensing       Phase = "material_dispensing"
	PhaseGranulation              Phase = "granulation"
	PhaseBlending                 Phase = "blending"
	PhaseCompression              Phase = "compression"
	PhasePostCompressionQC        Phase = "post_compression_qc"
	PhaseSorting                  Phase = "sorting"
	PhaseCoating                  Phase = "coating"
	PhasePackagingMaterialRelease Phase = "packaging_material_release"
	PhaseBlisterPacking           Phase = "blister_packing"
	PhaseBulkPacking              Phase = "bulk_packing"
	PhaseSecondaryPackaging       Phase = "secondary_packaging"
	PhaseMixing                   Phase = "mixing"
	PhasePostMixingQC             Phase = "post_mixing_qc"
	PhaseTubeFilling              Phase = "tube_filling"
	PhasePostBlendingQC           Phase = "post_blending_qc"
	PhaseCapsuleFilling           Phase = "capsule_filling"
	PhaseFinalQA                  Phase = "final_qa"
	PhaseFinishedGoodsStore       Phase = "finished_goods_store"
)

// Phases lists every known phase.
var Phases = []Phase{
	PhaseBMRCreation,
	PhaseRegulatoryApproval,
	PhaseRawMaterialRelease,
	PhaseMaterialDispensing,
	PhaseGranulation,
	PhaseBlending,
	PhaseCompression,
	PhasePostCompressionQC,
	PhaseSorting,
	PhaseCoating,
	PhasePackagingMaterialRelease,
	PhaseBlisterPacking,
	PhaseBulkPacking,
	PhaseSecondaryPackaging,
	PhaseMixing,
	PhasePostMixingQC,
	PhaseTubeFilling,
	PhasePostBlendingQC,
	PhaseCapsuleFilling,
	PhaseFinalQA,
	PhaseFinishedGoodsStore,
}

var knownPhases = func() map[Phase]bool {
	m := make(map[Phase]bool, len(Phases))
	for _, p := range Phases {
		m[p] = true
	}
	return m
}()

func (p Phase) String() string { return string(p) }

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return knownPhases[p] }

// QualityCheck reports whether p is a pass/fail QC checkpoint phase.
func (p Phase) QualityCheck() bool {
	switch p {
	case PhasePostCompressionQC, PhasePostMixingQC, PhasePostBlendingQC:
		return true
	}
	return false
}

// ParsePhase converts s into a Phase, returning INVALID_PHASE for unknown names.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", NewInvalidPhaseError(fmt.Sprintf("unknown phase %q", s))
	}
	return p, nil
}

// PhaseDefinition is the per-product-type definition of a phase. Order is
// re-derived from the catalog at every instantiation.
type PhaseDefinition struct {
	ProductType              ProductType `json:"product_type"`
	Phase                    Phase       `json:"phase"`
	Order                    int         `json:"order"`
	Mandatory                bool        `json:"mandatory"`
	RequiresExternalApproval bool        `json:"requires_external_approval"`
	Checkpoint               bool        `json:"checkpoint"`
	UpdatedAt                time.Time   `json:"updated_at"`
}
