package model

import (
	"fmt"
	"time"
)

// ProductType is the dosage form that selects a workflow template.
type ProductType string

const (
	ProductTablet   ProductType = "tablet"
	ProductCapsule  ProductType = "capsule"
	ProductOintment ProductType = "ointment"
)

func (t ProductType) String() string { return string(t) }

// Valid reports whether t is a known product type.
func (t ProductType) Valid() bool {
	switch t {
	case ProductTablet, ProductCapsule, ProductOintment:
		return true
	}
	return false
}

// Tablet packaging variants.
const (
	TabletVariantNormal = "normal"
	TabletVariantType2  = "type_2"
)

// Capsule packaging variants.
const (
	CapsuleVariantNormal = "normal"
	CapsuleVariantBulk   = "bulk"
)

// Product describes the attributes of the manufactured product that drive
// workflow resolution. It is treated as immutable input.
type Product struct {
	Type           ProductType `json:"product_type"`
	Coated         bool        `json:"coated,omitempty"`
	TabletVariant  string      `json:"tablet_variant,omitempty"`
	CapsuleVariant string      `json:"capsule_variant,omitempty"`
}

// Normalized returns a copy with empty variants defaulted to normal and
// attributes that do not apply to the product type cleared.
func (p Product) Normalized() Product {
	n := Product{Type: p.Type}
	switch p.Type {
	case ProductTablet:
		n.Coated = p.Coated
		n.TabletVariant = p.TabletVariant
		if n.TabletVariant == "" {
			n.TabletVariant = TabletVariantNormal
		}
	case ProductCapsule:
		n.CapsuleVariant = p.CapsuleVariant
		if n.CapsuleVariant == "" {
			n.CapsuleVariant = CapsuleVariantNormal
		}
	}
	return n
}

// Validate checks the product type and variant values.
func (p Product) Validate() error {
	var details []FieldError
	if !p.Type.Valid() {
		details = append(details, FieldError{
			Field:   "product_type",
			Code:    "INVALID",
			Message: fmt.Sprintf("unknown product type %q", p.Type),
		})
	}
	switch p.TabletVariant {
	case "", TabletVariantNormal, TabletVariantType2:
	default:
		details = append(details, FieldError{
			Field:   "tablet_variant",
			Code:    "INVALID",
			Message: fmt.Sprintf("unknown tablet variant %q", p.TabletVariant),
		})
	}
	switch p.CapsuleVariant {
	case "", CapsuleVariantNormal, CapsuleVariantBulk:
	default:
		details = append(details, FieldError{
			Field:   "capsule_variant",
			Code:    "INVALID",
			Message: fmt.Sprintf("unknown capsule variant %q", p.CapsuleVariant),
		})
	}
	if len(details) > 0 {
		return NewValidationError(details)
	}
	return nil
}

// Attributes exposes the product as a flat map for catalog expressions.
func (p Product) Attributes() map[string]any {
	n := p.Normalized()
	return map[string]any{
		"product_type":    string(n.Type),
		"coated":          n.Coated,
		"tablet_variant":  n.TabletVariant,
		"capsule_variant": n.CapsuleVariant,
	}
}

// Batch is the engine's record of an externally owned production batch.
type Batch struct {
	ID        string    `json:"id"`
	Product   Product   `json:"product"`
	CreatedAt time.Time `json:"created_at"`
}
