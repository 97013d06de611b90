package tab

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fixed signal weights for the composite confidence score.
const (
	weightExplicit    = 0.5
	weightExhaustion  = 0.3
	weightRepetitive  = 0.15
	weightDegradation = 0.05
)

// ConvergenceConfig tunes the signal thresholds. Defaults match a general
// code-review dialogue; deployments tune phrases and thresholds via config.
type ConvergenceConfig struct {
	// SimilarityThreshold is the Jaccard similarity over normalized token
	// shingles above which two turns count as repetitive.
	SimilarityThreshold float64
	// CompletionPhrases are matched case-insensitively as substrings of
	// the last turn's content.
	CompletionPhrases []string
	// ExhaustionFraction is the remaining-budget fraction at or below
	// which the resource-exhaustion signal fires.
	ExhaustionFraction float64
	// DegradationRatio: last-3-turn average content length below this
	// fraction of the session-wide average signals collapse.
	DegradationRatio float64
	// ShingleSize is the token n-gram width for similarity.
	ShingleSize int
}

// DefaultConvergenceConfig returns the stock thresholds and phrase set.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		SimilarityThreshold: 0.85,
		CompletionPhrases: []string{
			"task complete",
			"task is complete",
			"resolved",
			"no further changes",
			"final answer",
			"we are in agreement",
			"합의", // consensus
		},
		ExhaustionFraction: 0.05,
		DegradationRatio:   0.20,
		ShingleSize:        3,
	}
}

// ConvergenceReport is the deterministic signal set produced after each
// appended turn. Re-running the analysis on the same session state yields
// an identical report.
type ConvergenceReport struct {
	Repetitive      bool     `json:"repetitive_content"`
	Explicit        bool     `json:"explicit_completion"`
	Exhausted       bool     `json:"resource_exhaustion"`
	Degraded        bool     `json:"quality_degradation"`
	ShouldContinue  bool     `json:"should_continue"`
	Confidence      float64  `json:"confidence"`
	DominantSignal  string   `json:"dominant_signal,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Analyzer computes convergence signals over session state.
// Pure and deterministic; safe for concurrent use.
type Analyzer struct {
	cfg ConvergenceConfig
}

// NewAnalyzer creates an Analyzer. Zero-valued config fields fall back to
// the defaults.
func NewAnalyzer(cfg ConvergenceConfig) *Analyzer {
	def := DefaultConvergenceConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if len(cfg.CompletionPhrases) == 0 {
		cfg.CompletionPhrases = def.CompletionPhrases
	}
	if cfg.ExhaustionFraction <= 0 {
		cfg.ExhaustionFraction = def.ExhaustionFraction
	}
	if cfg.DegradationRatio <= 0 {
		cfg.DegradationRatio = def.DegradationRatio
	}
	if cfg.ShingleSize <= 0 {
		cfg.ShingleSize = def.ShingleSize
	}
	return &Analyzer{cfg: cfg}
}

// Evaluate computes the signal set for the session's current state.
func (a *Analyzer) Evaluate(s *Session) ConvergenceReport {
	var rep ConvergenceReport

	history := s.TurnHistory
	if n := len(history); n > 0 {
		last := history[n-1]

		// Explicit completion: case-insensitive substring over the
		// configured phrase set.
		lower := strings.ToLower(normalizeContent(last.Content))
		for _, phrase := range a.cfg.CompletionPhrases {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				rep.Explicit = true
				break
			}
		}

		// Repetitive content: Jaccard similarity between the last turn
		// and any of the previous three.
		lastShingles := shingles(last.Content, a.cfg.ShingleSize)
		for i := n - 2; i >= 0 && i >= n-4; i-- {
			if jaccard(lastShingles, shingles(history[i].Content, a.cfg.ShingleSize)) >= a.cfg.SimilarityThreshold {
				rep.Repetitive = true
				break
			}
		}

		// Quality degradation: last-3 average collapsing relative to the
		// session-wide average.
		if n >= 3 {
			var recent, total int
			for _, t := range history {
				total += len([]rune(t.Content))
			}
			for _, t := range history[n-3:] {
				recent += len([]rune(t.Content))
			}
			sessionAvg := float64(total) / float64(n)
			recentAvg := float64(recent) / 3
			if sessionAvg > 0 && recentAvg < a.cfg.DegradationRatio*sessionAvg {
				rep.Degraded = true
			}
		}
	}

	// Resource exhaustion: at most one turn left or almost no budget left.
	turnsRemaining := s.MaxTurns - s.CurrentTurn
	costRemaining := s.Budget - s.TotalCost
	if turnsRemaining <= 1 || costRemaining <= a.cfg.ExhaustionFraction*s.Budget {
		rep.Exhausted = true
	}

	var confidence float64
	if rep.Explicit {
		confidence += weightExplicit
	}
	if rep.Exhausted {
		confidence += weightExhaustion
	}
	if rep.Repetitive {
		confidence += weightRepetitive
	}
	if rep.Degraded {
		confidence += weightDegradation
	}
	if confidence > 1 {
		confidence = 1
	}
	rep.Confidence = confidence
	rep.ShouldContinue = !rep.Explicit && !rep.Exhausted && !rep.Repetitive
	rep.DominantSignal = dominantSignal(rep)
	rep.Recommendations = recommendations(rep)
	return rep
}

// dominantSignal names the active signal with the highest weight.
func dominantSignal(rep ConvergenceReport) string {
	switch {
	case rep.Explicit:
		return "explicit_completion"
	case rep.Exhausted:
		return "resource_exhaustion"
	case rep.Repetitive:
		return "repetitive_content"
	case rep.Degraded:
		return "quality_degradation"
	default:
		return ""
	}
}

func recommendations(rep ConvergenceReport) []string {
	switch rep.DominantSignal {
	case "explicit_completion":
		return []string{"complete the session", "record the agreed outcome"}
	case "resource_exhaustion":
		return []string{"complete the session", "raise max_turns or budget to continue"}
	case "repetitive_content":
		return []string{"complete the session", "agents are restating prior turns"}
	case "quality_degradation":
		return []string{"review recent turns", "content length is collapsing"}
	default:
		return nil
	}
}

// normalizeContent applies NFKC normalization so fullwidth forms and
// compatibility characters compare equal during phrase and shingle checks.
func normalizeContent(s string) string {
	return norm.NFKC.String(s)
}

// shingles returns the set of n-gram token shingles of content, lowered
// and NFKC-normalized.
func shingles(content string, n int) map[string]struct{} {
	tokens := strings.Fields(strings.ToLower(normalizeContent(content)))
	out := make(map[string]struct{})
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < n {
		out[strings.Join(tokens, " ")] = struct{}{}
		return out
	}
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")] = struct{}{}
	}
	return out
}

// jaccard computes |a∩b| / |a∪b|. Two empty sets are not similar.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var inter int
	for s := range a {
		if _, ok := b[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
