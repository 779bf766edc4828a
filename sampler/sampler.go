// Package sampler picks the next token from a logits vector.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("invalid sampling parameters")

// Params configures a Sampler. The zero value is not useful; start from
// DefaultParams.
type Params struct {
	// Temperature scales logits before softmax. Zero is greedy: penalties
	// still apply, then the arg-max token is taken and the RNG is unused.
	Temperature      float32 `yaml:"temperature"`
	TopK             int     `yaml:"top_k"`
	TopP             float32 `yaml:"top_p"`
	MinP             float32 `yaml:"min_p"`
	RepeatPenalty    float32 `yaml:"repeat_penalty"`
	FrequencyPenalty float32 `yaml:"frequency_penalty"`
	PresencePenalty  float32 `yaml:"presence_penalty"`
	RepeatLastN      int     `yaml:"repeat_last_n"`
	// Seed makes sampling reproducible when >= 0. Negative seeds draw a
	// random seed per Sampler.
	Seed int64 `yaml:"seed"`
}

// DefaultParams returns the sampling defaults used when a request does not
// override them.
func DefaultParams() Params {
	return Params{
		Temperature:   0.7,
		TopK:          40,
		TopP:          0.9,
		MinP:          0.05,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		Seed:          -1,
	}
}

// Validate reports out-of-range parameters.
func (p Params) Validate() error {
	switch {
	case p.Temperature < 0 || isBad(p.Temperature):
		return fmt.Errorf("%w: temperature %v must be >= 0", ErrInvalidParams, p.Temperature)
	case p.TopK < 0:
		return fmt.Errorf("%w: top_k %d must be >= 0", ErrInvalidParams, p.TopK)
	case p.TopP <= 0 || p.TopP > 1 || isBad(p.TopP):
		return fmt.Errorf("%w: top_p %v must be in (0, 1]", ErrInvalidParams, p.TopP)
	case p.MinP < 0 || p.MinP > 1 || isBad(p.MinP):
		return fmt.Errorf("%w: min_p %v must be in [0, 1]", ErrInvalidParams, p.MinP)
	case p.RepeatPenalty <= 0 || isBad(p.RepeatPenalty):
		return fmt.Errorf("%w: repeat_penalty %v must be > 0", ErrInvalidParams, p.RepeatPenalty)
	case isBad(p.FrequencyPenalty) || isBad(p.PresencePenalty):
		return fmt.Errorf("%w: frequency/presence penalties must be finite", ErrInvalidParams)
	case p.RepeatLastN < 0:
		return fmt.Errorf("%w: repeat_last_n %d must be >= 0", ErrInvalidParams, p.RepeatLastN)
	}
	return nil
}

func isBad(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Sampler draws tokens for one generation. It owns the recent token
// history used for penalties and its RNG, so two samplers built from the
// same seeded Params make the same choices for the same inputs.
//
// A Sampler is not safe for concurrent use.
type Sampler struct {
	params  Params
	rng     *rand.Rand
	history []int32
}

// New creates a Sampler with an empty history.
func New(p Params) *Sampler {
	seed := uint64(p.Seed)
	if p.Seed < 0 {
		seed = rand.Uint64()
	}
	return &Sampler{
		params: p,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Params returns the sampler's configured parameters.
func (s *Sampler) Params() Params { return s.params }

// History returns a copy of the recent token window, oldest first.
func (s *Sampler) History() []int32 {
	return append([]int32(nil), s.history...)
}

// Reset clears the history. The RNG is left where it is.
func (s *Sampler) Reset() { s.history = s.history[:0] }

// Accept appends a token to the history window without sampling it.
func (s *Sampler) Accept(token int32) {
	n := s.params.RepeatLastN
	if n <= 0 {
		return
	}
	s.history = append(s.history, token)
	if over := len(s.history) - n; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// Sample chooses the next token with the configured parameters and
// records it in the history. logits is not modified.
func (s *Sampler) Sample(logits []float32) int32 {
	return s.SampleWith(logits, s.params)
}

// SampleWith is Sample with per-call parameters, used when a caller
// adjusts the temperature for one position. The history capacity stays the
// one the Sampler was built with.
func (s *Sampler) SampleWith(logits []float32, p Params) int32 {
	if len(logits) == 0 {
		return 0
	}

	var tok int32
	if p.Temperature == 0 {
		work := s.penalized(logits, p)
		tok = int32(argmax(work))
	} else {
		tok = s.draw(s.probabilities(logits, p))
	}
	s.Accept(tok)
	return tok
}

// penalized runs the penalty and top-k stages over a float64 copy.
func (s *Sampler) penalized(logits []float32, p Params) []float64 {
	work := make([]float64, len(logits))
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) {
			f = math.Inf(-1)
		}
		work[i] = f
	}

	counts := s.counts(len(work))

	// Repetition penalty. Dividing a negative logit would raise it, so
	// negative logits are multiplied instead.
	if rp := float64(p.RepeatPenalty); rp != 1 && rp > 0 {
		for tok := range counts {
			if work[tok] > 0 {
				work[tok] /= rp
			} else {
				work[tok] *= rp
			}
		}
	}

	if p.FrequencyPenalty != 0 || p.PresencePenalty != 0 {
		freq, pres := float64(p.FrequencyPenalty), float64(p.PresencePenalty)
		for tok, c := range counts {
			work[tok] -= freq*float64(c) + pres
		}
	}

	if k := p.TopK; k > 0 && k < len(work) {
		sorted := append([]float64(nil), work...)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
		threshold := sorted[k-1]
		neg := math.Inf(-1)
		for i, v := range work {
			if v < threshold {
				work[i] = neg
			}
		}
	}
	return work
}

func (s *Sampler) counts(vocab int) map[int32]int {
	counts := make(map[int32]int, len(s.history))
	for _, tok := range s.history {
		if tok >= 0 && int(tok) < vocab {
			counts[tok]++
		}
	}
	return counts
}

// probabilities returns the final distribution the draw is taken from.
func (s *Sampler) probabilities(logits []float32, p Params) []float64 {
	work := s.penalized(logits, p)

	if t := float64(p.Temperature); t > 0 && t != 1 {
		for i, v := range work {
			if !math.IsInf(v, 0) {
				work[i] = v / t
			}
		}
	}

	softmax(work)

	if p.MinP > 0 {
		maxP := 0.0
		for _, v := range work {
			maxP = math.Max(maxP, v)
		}
		cut := float64(p.MinP) * maxP
		for i, v := range work {
			if v < cut {
				work[i] = 0
			}
		}
		normalize(work)
	}

	if p.TopP < 1 {
		order := make([]int, 0, len(work))
		for i, v := range work {
			if v > 0 {
				order = append(order, i)
			}
		}
		sort.SliceStable(order, func(a, b int) bool { return work[order[a]] > work[order[b]] })

		var mass float64
		keep := len(order)
		for i, idx := range order {
			mass += work[idx]
			if mass >= float64(p.TopP) {
				keep = i + 1
				break
			}
		}
		for _, idx := range order[keep:] {
			work[idx] = 0
		}
		normalize(work)
	}
	return work
}

func (s *Sampler) draw(probs []float64) int32 {
	r := s.rng.Float64()
	var cum float64
	for i, v := range probs {
		if v == 0 {
			continue
		}
		cum += v
		if r < cum {
			return int32(i)
		}
	}
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return int32(i)
		}
	}
	return 0
}

// softmax converts logits to probabilities in place. -Inf maps to 0.
func softmax(x []float64) {
	maxv := math.Inf(-1)
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(maxv, 0) {
		// all -Inf gives all zero; any +Inf takes the whole mass
		for i, v := range x {
			if v == maxv && maxv > 0 {
				x[i] = 1
			} else {
				x[i] = 0
			}
		}
		normalize(x)
		return
	}
	for i, v := range x {
		if math.IsInf(v, -1) {
			x[i] = 0
			continue
		}
		x[i] = math.Exp(v - maxv)
	}
	normalize(x)
}

func normalize(x []float64) {
	var sum float64
	for _, v := range x {
		sum += v
	}
	if sum == 0 {
		return
	}
	for i := range x {
		x[i] /= sum
	}
}

func argmax(x []float64) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
