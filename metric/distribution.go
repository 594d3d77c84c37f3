// Package metric implements the point functions used to score a
// model's free-form response against an expected numeric distribution.
// These are pure functions: no I/O, no shared state, safe to call
// concurrently from any number of in-flight pipeline runs.
package metric

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Metric selects the similarity function used by Score.
type Metric string

const (
	JSDivergence Metric = "js-divergence"
	Cosine       Metric = "cosine"
	EarthMover   Metric = "earth-mover"
)

// Args are the point-function arguments declared on a blueprint
// prompt's point_function_args field.
type Args struct {
	Expected  []float64
	Metric    Metric
	Threshold float64
}

// Result is the outcome of scoring a response against Args.
type Result struct {
	Score   float64
	Explain string
}

// partialCreditScore is returned when a response parses but its
// vector length does not match the expected length.
const partialCreditScore = 0.1

// Score parses a numeric vector out of response and scores it against
// args.Expected using the selected similarity metric. A response that
// fails to parse scores 0; a response that parses to the wrong
// dimensionality scores partialCreditScore.
func Score(response string, args Args) Result {
	parsed, err := ParseVector(response)
	if err != nil {
		return Result{Score: 0, Explain: fmt.Sprintf("failed to parse a numeric vector from response: %v", err)}
	}
	if len(parsed) != len(args.Expected) {
		return Result{
			Score: partialCreditScore,
			Explain: fmt.Sprintf("parsed vector length %d does not match expected length %d; expected=%v predicted=%v",
				len(parsed), len(args.Expected), args.Expected, parsed),
		}
	}

	p := Normalize(args.Expected)
	q := Normalize(parsed)

	var score float64
	switch args.Metric {
	case Cosine:
		score = cosineSimilarity(p, q)
	case EarthMover:
		score = earthMoverSimilarity(p, q)
	case JSDivergence, "":
		score = 1 - jsDivergence(p, q)
	default:
		return Result{Score: 0, Explain: fmt.Sprintf("unknown metric %q", args.Metric)}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Result{
		Score:   score,
		Explain: fmt.Sprintf("expected=%v predicted=%v metric=%s score=%.4f", args.Expected, parsed, args.Metric, score),
	}
}

// PerOptionAccuracy scores a single expected index: error is the
// absolute difference between predicted and expected value at that
// index, tolerance is max(5, expected*0.3) percentage points, and the
// score is max(0, 1-error/tolerance).
func PerOptionAccuracy(response string, optionIndex int, expected []float64) (Result, error) {
	if optionIndex < 0 || optionIndex >= len(expected) {
		return Result{}, fmt.Errorf("option index %d out of range for %d expected values", optionIndex, len(expected))
	}

	parsed, err := ParseVector(response)
	if err != nil {
		return Result{Score: 0, Explain: fmt.Sprintf("failed to parse a numeric vector from response: %v", err)}, nil
	}
	if optionIndex >= len(parsed) {
		return Result{Score: partialCreditScore, Explain: "parsed vector too short for requested option index"}, nil
	}

	expectedVal := expected[optionIndex]
	predictedVal := parsed[optionIndex]
	errAbs := math.Abs(predictedVal - expectedVal)
	tolerance := math.Max(5, expectedVal*0.3)

	score := 1 - errAbs/tolerance
	if score < 0 {
		score = 0
	}

	return Result{
		Score: score,
		Explain: fmt.Sprintf("expected=%.2f predicted=%.2f error=%.2f tolerance=%.2f score=%.4f",
			expectedVal, predictedVal, errAbs, tolerance, score),
	}, nil
}

// Normalize rescales v so its elements sum to 1. A zero or empty
// vector is returned unchanged.
func Normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	if sum == 0 {
		return append([]float64(nil), v...)
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / sum
	}
	return out
}

func jsDivergence(p, q []float64) float64 {
	m := make([]float64, len(p))
	for i := range p {
		m[i] = (p[i] + q[i]) / 2
	}
	return 0.5*klDivergence(p, m) + 0.5*klDivergence(q, m)
}

func klDivergence(p, m []float64) float64 {
	var sum float64
	for i := range p {
		if p[i] == 0 {
			continue
		}
		sum += p[i] * math.Log2(p[i]/m[i])
	}
	return sum
}

func cosineSimilarity(p, q []float64) float64 {
	var dot, pNorm, qNorm float64
	for i := range p {
		dot += p[i] * q[i]
		pNorm += p[i] * p[i]
		qNorm += q[i] * q[i]
	}
	denom := math.Sqrt(pNorm) * math.Sqrt(qNorm)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// earthMoverSimilarity computes 1 - the sum of absolute differences
// between the running cumulative sums of p and q: the discrete 1-D
// Wasserstein distance over normalised bins, inverted into a
// similarity bounded [0,1] for normalised inputs.
func earthMoverSimilarity(p, q []float64) float64 {
	var cumP, cumQ, total float64
	for i := range p {
		cumP += p[i]
		cumQ += q[i]
		total += math.Abs(cumP - cumQ)
	}
	return 1 - total
}

var (
	bracketedArray = regexp.MustCompile(`\[([^\[\]]*)\]`)
	labelledEntry  = regexp.MustCompile(`(?i)[a-z]\s*[.):]\s*[^\n,]*?(-?\d+(?:\.\d+)?)\s*%?`)
	numberToken    = regexp.MustCompile(`-?\d+(?:\.\d+)?\s*%?`)
)

// ParseVector extracts a numeric vector from a model's free-form
// response text. It accepts, in order of preference: a bracketed
// array of comma-separated numbers ("[50, 50]"), a list of labelled
// lines ("a. Option one: 40%\nb. Option two: 60%"), or a bare
// comma-separated list with optional percent signs ("50%, 50%").
func ParseVector(text string) ([]float64, error) {
	if m := bracketedArray.FindStringSubmatch(text); m != nil {
		nums, err := parseNumberList(m[1])
		if err == nil && len(nums) > 0 {
			return nums, nil
		}
	}

	if matches := labelledEntry.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		nums := make([]float64, 0, len(matches))
		for _, m := range matches {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return nil, fmt.Errorf("parsing labelled value %q: %w", m[1], err)
			}
			nums = append(nums, v)
		}
		return nums, nil
	}

	if nums, err := parseNumberList(text); err == nil && len(nums) > 0 {
		return nums, nil
	}

	return nil, fmt.Errorf("no numeric vector found in response")
}

func parseNumberList(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	nums := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !numberToken.MatchString(f) {
			return nil, fmt.Errorf("field %q is not numeric", f)
		}
		f = strings.TrimSuffix(strings.TrimSpace(f), "%")
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", f, err)
		}
		nums = append(nums, v)
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("empty number list")
	}
	return nums, nil
}
