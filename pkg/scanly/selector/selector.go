// Package selector picks an A/B test variant with probability proportional
// to its weight.
package selector

import (
	"math/rand/v2"

	"github.com/scanly/scanly/pkg/scanly/models"
)

// Source supplies uniform draws in the half-open interval [0, 1).
// *rand.Rand from math/rand/v2 satisfies it, which lets tests use a fixed seed.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// Default draws from the runtime's goroutine-safe generator.
var Default Source = globalSource{}

// Select returns the chosen variant, or false when there is nothing to choose
// from and the caller must fall back to the link's own target.
//
// An all-zero weight set yields the first variant. Otherwise a draw r in
// [0, total) is walked against the cumulative weights, so variant i wins with
// probability weight_i/total and zero-weight variants never win. The last
// variant absorbs any floating point residue.
func Select(variants []models.Variant, src Source) (models.Variant, bool) {
	if len(variants) == 0 {
		return models.Variant{}, false
	}

	total := 0
	for _, v := range variants {
		total += weightOf(v)
	}
	if total == 0 {
		return variants[0], true
	}

	if src == nil {
		src = Default
	}
	r := src.Float64() * float64(total)
	for _, v := range variants {
		w := float64(weightOf(v))
		if r < w {
			return v, true
		}
		r -= w
	}
	return variants[len(variants)-1], true
}

// weightOf treats negative weights as zero; they are rejected on write anyway.
func weightOf(v models.Variant) int {
	if v.Weight < 0 {
		return 0
	}
	return v.Weight
}
