package catalog

import "github.com/pitabwire/batchflow/model"

// DefaultFile returns the built-in tablet, capsule and ointment templates.
func DefaultFile() File {
	return File{
		Products: map[model.ProductType]TemplateSpec{
			model.ProductTablet: {
				Phases: []model.Phase{
					model.PhaseBMRCreation,
					model.PhaseRegulatoryApproval,
					model.PhaseRawMaterialRelease,
					model.PhaseMaterialDispensing,
					model.PhaseGranulation,
					model.PhaseBlending,
					model.PhaseCompression,
					model.PhasePostCompressionQC,
					model.PhaseSorting,
					model.PhaseCoating,
					model.PhasePackagingMaterialRelease,
					model.PhaseBlisterPacking,
					model.PhaseSecondaryPackaging,
					model.PhaseFinalQA,
					model.PhaseFinishedGoodsStore,
				},
				Conditions: map[model.Phase]string{
					model.PhaseCoating: "coated",
				},
				Substitutions: []SubstitutionSpec{
					{When: `tablet_variant == "type_2"`, Replace: model.PhaseBlisterPacking, With: model.PhaseBulkPacking},
				},
			},
			model.ProductCapsule: {
				Phases: []model.Phase{
					model.PhaseBMRCreation,
					model.PhaseRegulatoryApproval,
					model.PhaseRawMaterialRelease,
					model.PhaseMaterialDispensing,
					model.PhaseBlending,
					model.PhasePostBlendingQC,
					model.PhaseCapsuleFilling,
					model.PhasePackagingMaterialRelease,
					model.PhaseBlisterPacking,
					model.PhaseSecondaryPackaging,
					model.PhaseFinalQA,
					model.PhaseFinishedGoodsStore,
				},
				Substitutions: []SubstitutionSpec{
					{When: `capsule_variant == "bulk"`, Replace: model.PhaseBlisterPacking, With: model.PhaseBulkPacking},
				},
			},
			model.ProductOintment: {
				Phases: []model.Phase{
					model.PhaseBMRCreation,
					model.PhaseRegulatoryApproval,
					model.PhaseRawMaterialRelease,
					model.PhaseMaterialDispensing,
					model.PhaseMixing,
					model.PhasePostMixingQC,
					model.PhaseTubeFilling,
					model.PhasePackagingMaterialRelease,
					model.PhaseSecondaryPackaging,
					model.PhaseFinalQA,
					model.PhaseFinishedGoodsStore,
				},
			},
		},
		Checkpoints: map[model.Phase]model.Phase{
			model.PhasePostCompressionQC: model.PhaseGranulation,
			model.PhasePostMixingQC:      model.PhaseMixing,
			model.PhasePostBlendingQC:    model.PhaseBlending,
		},
		Approvals: []model.Phase{model.PhaseRegulatoryApproval},
		Optional:  []model.Phase{model.PhaseCoating},
	}
}

// Default returns the built-in catalog. It panics if the built-in templates
// fail validation.
func Default() *Catalog {
	c, err := New(DefaultFile())
	if err != nil {
		panic(err)
	}
	return c
}
