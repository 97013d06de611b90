package tab

import (
	"strings"
	"testing"
	"time"
)

func convSession(t *testing.T, maxTurns int, budget float64) *Session {
	t.Helper()
	s, err := NewSession(ConversationRequest{
		Topic:        "does the cache need invalidation hooks",
		Participants: []string{"alpha", "beta"},
		PolicyID:     "default",
		MaxTurns:     maxTurns,
		Budget:       budget,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func appendContent(t *testing.T, s *Session, contents ...string) {
	t.Helper()
	from, to := "alpha", "beta"
	for _, c := range contents {
		turn := TurnMessage{
			ID:        NewID(),
			SessionID: s.ID,
			FromAgent: from,
			ToAgent:   to,
			Role:      RoleAssistant,
			Content:   c,
			Timestamp: time.Now().UTC(),
		}
		if err := s.Append(turn); err != nil {
			t.Fatalf("append: %v", err)
		}
		from, to = to, from
	}
}

func TestExplicitCompletionPhrase(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 10, 10)
	appendContent(t, s, "I reviewed the diff.", "Agreed, the task is complete and nothing remains.")

	rep := a.Evaluate(s)
	if !rep.Explicit {
		t.Fatal("expected explicit completion signal")
	}
	if rep.ShouldContinue {
		t.Error("explicit completion should stop the dialogue")
	}
	if rep.DominantSignal != "explicit_completion" {
		t.Errorf("dominant = %q", rep.DominantSignal)
	}
	if rep.Confidence < weightExplicit {
		t.Errorf("confidence = %f, want >= %f", rep.Confidence, weightExplicit)
	}
}

func TestExplicitCompletionNormalizesFullwidth(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 10, 10)
	// Fullwidth letters normalize to ASCII under NFKC.
	appendContent(t, s, "ｔａｓｋ ｃｏｍｐｌｅｔｅ")

	if rep := a.Evaluate(s); !rep.Explicit {
		t.Error("expected NFKC-normalized phrase match")
	}
}

func TestRepetitiveContent(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 10, 10)
	line := "the cache invalidation hook must run before the write barrier commits"
	appendContent(t, s, line, "let me think about that differently", line)

	rep := a.Evaluate(s)
	if !rep.Repetitive {
		t.Fatal("expected repetition signal")
	}
	if rep.ShouldContinue {
		t.Error("repetition should stop the dialogue")
	}
}

func TestDistinctContentNotRepetitive(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 10, 10)
	appendContent(t, s,
		"the first concern is lock ordering inside the flush path",
		"a second concern entirely: the retry queue drops entries on overflow",
	)

	if rep := a.Evaluate(s); rep.Repetitive {
		t.Error("distinct turns flagged repetitive")
	}
}

func TestResourceExhaustionByTurns(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 2, 10)
	appendContent(t, s, "opening argument about the design")

	rep := a.Evaluate(s)
	if !rep.Exhausted {
		t.Fatal("one turn remaining should flag exhaustion")
	}
	if rep.ShouldContinue {
		t.Error("exhaustion should stop the dialogue")
	}
}

func TestResourceExhaustionByBudget(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 10, 1.0)
	s.TotalCost = 0.97 // 3% remaining, below the 5% floor

	if rep := a.Evaluate(s); !rep.Exhausted {
		t.Error("budget floor should flag exhaustion")
	}
}

func TestQualityDegradation(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 20, 10)
	long := strings.Repeat("substantive analysis of the proposal ", 30)
	appendContent(t, s, long, long, long, "ok", "sure", "yes")

	rep := a.Evaluate(s)
	if !rep.Degraded {
		t.Fatal("collapsing content length should flag degradation")
	}
}

func TestConfidenceSaturates(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 2, 1.0)
	s.TotalCost = 0.99
	line := "task complete, no further changes"
	appendContent(t, s, line)

	rep := a.Evaluate(s)
	if rep.Confidence > 1.0 {
		t.Errorf("confidence = %f, must saturate at 1", rep.Confidence)
	}
	if rep.DominantSignal != "explicit_completion" {
		t.Errorf("dominant = %q, explicit outweighs exhaustion", rep.DominantSignal)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	a := NewAnalyzer(ConvergenceConfig{})
	s := convSession(t, 10, 10)
	appendContent(t, s, "first take", "second take", "third take")

	r1 := a.Evaluate(s)
	r2 := a.Evaluate(s)
	if r1.Confidence != r2.Confidence || r1.ShouldContinue != r2.ShouldContinue ||
		r1.DominantSignal != r2.DominantSignal {
		t.Errorf("reports differ: %+v vs %+v", r1, r2)
	}
}

func TestJaccardEmptySets(t *testing.T) {
	if got := jaccard(map[string]struct{}{}, map[string]struct{}{}); got != 0 {
		t.Errorf("jaccard of empty sets = %f, want 0", got)
	}
}

func TestShinglesShortContent(t *testing.T) {
	got := shingles("two words", 3)
	if len(got) != 1 {
		t.Fatalf("shingles = %v, want single joined shingle", got)
	}
	if _, ok := got["two words"]; !ok {
		t.Errorf("shingles = %v", got)
	}
}
