package atg

import (
	"testing"

	"github.com/familycore/famcore/internal/pdp"
)

type fakeHooks struct{ util float64 }

func (f fakeHooks) Counter(string, int64, map[string]string)  {}
func (f fakeHooks) Histogram(string, float64, map[string]string) {}
func (f fakeHooks) Event(string, map[string]any)               {}
func (f fakeHooks) Utilization(string) float64                  { return f.util }

func allowDecision() pdp.PolicyDecision { return pdp.PolicyDecision{Decision: pdp.Allow} }

func TestEvaluateDeniesOnPolicyDeny(t *testing.T) {
	g := NewGate(fakeHooks{})
	d := g.Evaluate(AdmitRequest{Policy: pdp.PolicyDecision{Decision: pdp.Deny}})
	if d.Admit {
		t.Fatal("expected deny")
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != ReasonPolicyDeny {
		t.Fatalf("unexpected reasons: %v", d.Reasons)
	}
}

func TestEvaluateAdmitsHighSalience(t *testing.T) {
	g := NewGate(fakeHooks{util: 0})
	d := g.Evaluate(AdmitRequest{
		Policy: allowDecision(),
		Hints: SalienceHints{
			Relevance: 1, Urgency: 1, Recency: 1, AttentionAlignment: 1,
			TaskRelevance: 1, CoherenceBoost: 1,
		},
	})
	if !d.Admit {
		t.Fatalf("expected admit, got %+v", d)
	}
}

func TestEvaluateDeniesBelowThreshold(t *testing.T) {
	g := NewGate(fakeHooks{util: 0})
	d := g.Evaluate(AdmitRequest{
		Policy: allowDecision(),
		Hints:  SalienceHints{Relevance: 0.1},
	})
	if d.Admit {
		t.Fatalf("expected deny below threshold, got %+v", d)
	}
	if len(d.Reasons) != 1 || d.Reasons[0] != ReasonBelowThreshold {
		t.Fatalf("unexpected reasons: %v", d.Reasons)
	}
}

func TestEvaluateHighUtilizationBackpressure(t *testing.T) {
	g := NewGate(fakeHooks{util: 1})
	d := g.Evaluate(AdmitRequest{
		Policy: allowDecision(),
		Hints: SalienceHints{
			Relevance: 1, Urgency: 1, Recency: 1, AttentionAlignment: 1,
		},
	})
	if d.Admit {
		t.Fatal("expected backpressure denial at full utilization")
	}
	if d.Reasons[0] != ReasonBackpressure {
		t.Fatalf("expected backpressure reason, got %v", d.Reasons)
	}
}

func TestThresholdRisesWithUtilization(t *testing.T) {
	low := NewGate(fakeHooks{util: 0}).Evaluate(AdmitRequest{Policy: allowDecision()}).Threshold
	high := NewGate(fakeHooks{util: 0.8}).Evaluate(AdmitRequest{Policy: allowDecision()}).Threshold
	if high <= low {
		t.Fatalf("expected threshold to rise with utilization, low=%v high=%v", low, high)
	}
}
