// Package kernels embeds the device kernel source for the paged cache
// operations and describes the entry points each source exports.
package kernels

import (
	_ "embed"
	"slices"
)

//go:embed cache_kernels.cu
var cacheKernelsSource string

//go:embed rotary_kernels.cu
var rotaryKernelsSource string

// Source is one kernel family: the translation unit that defines it and the
// entry points it exports. Entry points are named
// <Name><variant>_<dtype suffix>, e.g. "rotary_embedding_kernel_neox_f16".
type Source struct {
	Name     string
	Text     string
	Variants []string
	DTypes   []string
}

var (
	ReshapeAndCache = Source{
		Name:     "reshape_and_cache_kernel",
		Text:     cacheKernelsSource,
		Variants: []string{""},
		DTypes:   []string{"f32", "f16", "bf16"},
	}

	CopyBlocks = Source{
		Name:     "copy_blocks_kernel",
		Text:     cacheKernelsSource,
		Variants: []string{""},
		DTypes:   []string{"f32", "f16", "bf16"},
	}

	RotaryEmbedding = Source{
		Name:     "rotary_embedding_kernel",
		Text:     rotaryKernelsSource,
		Variants: []string{VariantNeox, VariantNormal},
		DTypes:   []string{"f32", "f16", "bf16"},
	}
)

// Rotary embedding variants.
const (
	VariantNeox   = "_neox"
	VariantNormal = "_normal"
)

// All lists every kernel family.
func All() []Source {
	return []Source{ReshapeAndCache, CopyBlocks, RotaryEmbedding}
}

// EntryName returns the exported symbol for a variant and dtype suffix.
func (s Source) EntryName(variant, dtype string) string {
	return s.Name + variant + "_" + dtype
}

// Supports reports whether the family has an instantiation for dtype.
func (s Source) Supports(dtype string) bool {
	return slices.Contains(s.DTypes, dtype)
}

// HasVariant reports whether variant is one of the family's variants.
func (s Source) HasVariant(variant string) bool {
	return slices.Contains(s.Variants, variant)
}

// Entries lists every exported symbol of the family.
func (s Source) Entries() []string {
	var out []string
	for _, v := range s.Variants {
		for _, d := range s.DTypes {
			out = append(out, s.EntryName(v, d))
		}
	}
	return out
}

// Resolve finds the family that source text exports entry from.
func Resolve(source, entry string) (Source, bool) {
	for _, s := range All() {
		if s.Text == source && slices.Contains(s.Entries(), entry) {
			return s, true
		}
	}
	return Source{}, false
}
