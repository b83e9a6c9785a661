// Package shuffle produces per-candidate question and option orders that can be recomputed
// at any time from ids alone, so the permutation never has to be stored anywhere.
package shuffle

import (
	"math"
	"math/rand/v2"
	"unicode/utf16"

	"github.com/stemsi/exstem-candidate/internal/model"
)

// UngroupedOffset separates the ungrouped question seed from every section seed.
const UngroupedOffset uint64 = 7919

// Seed hashes x into a stable non-negative seed. The hash walks UTF-16 code units so the
// same string yields the same seed as the browser client.
func Seed(x string) uint64 {
	var h int32
	for _, c := range utf16.Encode([]rune(x)) {
		h = h*31 + int32(c)
	}
	if h < 0 {
		return uint64(-int64(h))
	}
	return uint64(h)
}

// BaseSeed is the attempt-wide seed every section and option seed is derived from.
func BaseSeed(candidateID, examID string) uint64 {
	return Seed(candidateID + examID)
}

// SectionSeed returns the seed for one section's question order.
func SectionSeed(base uint64, sectionID string) uint64 {
	return base + Seed(sectionID)
}

// OptionSeed returns the seed for one question's option order.
func OptionSeed(sectionSeed uint64, questionID string) uint64 {
	return sectionSeed + Seed(questionID)
}

// Shuffle returns a uniformly shuffled copy of items.
func Shuffle[T any](items []T) []T {
	out := append([]T(nil), items...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// ShuffleSeeded returns a copy of items permuted by a Fisher–Yates pass driven by seed.
// The same seed always yields the same permutation.
func ShuffleSeeded[T any](items []T, seed uint64) []T {
	out := append([]T(nil), items...)
	g := newGenerator(seed)
	for i := len(out) - 1; i > 0; i-- {
		j := int(math.Floor(g.float() * float64(i+1)))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// generator is SplitMix64. Its output function fully mixes the state, so adjacent seeds
// give unrelated streams.
type generator struct {
	state uint64
}

func newGenerator(seed uint64) *generator {
	return &generator{state: seed}
}

func (g *generator) next() uint64 {
	g.state += 0x9e3779b97f4a7c15
	z := g.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// float returns a value in [0, 1) built from the top 53 bits.
func (g *generator) float() float64 {
	return float64(g.next()>>11) / (1 << 53)
}

// Arrange returns a copy of def with question and option order fixed for the candidate.
// Each shuffle flag that is off leaves the corresponding order untouched; section order is
// never changed.
func Arrange(def *model.ExamDefinition, candidateID string) *model.ExamDefinition {
	out := def.Clone()
	if !def.ShuffleQuestions && !def.ShuffleOptions {
		return out
	}

	base := BaseSeed(candidateID, def.ID)
	for i := range out.Sections {
		sec := &out.Sections[i]
		seed := SectionSeed(base, sec.ID)
		sec.Questions = arrangeQuestions(sec.Questions, seed, def.ShuffleQuestions, def.ShuffleOptions)
	}
	out.UngroupedQuestions = arrangeQuestions(out.UngroupedQuestions, base+UngroupedOffset, def.ShuffleQuestions, def.ShuffleOptions)
	return out
}

func arrangeQuestions(qs []model.Question, seed uint64, questions, options bool) []model.Question {
	if qs == nil {
		return nil
	}
	if options {
		for i := range qs {
			if qs[i].Type.HasOptions() && len(qs[i].Options) > 1 {
				qs[i].Options = ShuffleSeeded(qs[i].Options, OptionSeed(seed, qs[i].ID))
			}
		}
	}
	if questions {
		qs = ShuffleSeeded(qs, seed)
	}
	return qs
}
