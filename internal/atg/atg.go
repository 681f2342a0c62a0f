// Package atg implements the Attention Gate (§4.7): scores candidate
// admissions by salience, adjusts for task/coherence context, and compares
// against a dynamic threshold that tightens as the target session's
// observed utilization rises.
package atg

import (
	"github.com/familycore/famcore/internal/obs"
	"github.com/familycore/famcore/internal/pdp"
)

// SalienceHints carries the upstream-computed factors the gate scores on;
// callers (the Write Pipeline) are responsible for deriving these from the
// candidate content and context, not ATG.
type SalienceHints struct {
	Relevance          float64 // [0,1]
	Urgency            float64 // [0,1]
	Recency            float64 // [0,1]
	AttentionAlignment float64 // [0,1]
	TaskRelevance      float64 // [0,1]
	CoherenceBoost     float64 // [0,1]
}

// AdmitRequest is ATG's input (§4.7).
type AdmitRequest struct {
	SessionId string
	Hints     SalienceHints
	Policy    pdp.PolicyDecision
}

// Reason enumerates why an admission was denied.
type Reason string

const (
	ReasonPolicyDeny     Reason = "policy_deny"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonBackpressure   Reason = "backpressure"
)

// AdmissionDecision is ATG's output (§4.7).
type AdmissionDecision struct {
	Admit      bool
	Score      float64
	Threshold  float64
	Reasons    []Reason
	Obligation pdp.Obligations
}

// defaultThetaBase is atg.threshold_base's default (§6.4).
const defaultThetaBase = 0.55

// Gate evaluates AdmitRequests against a dynamic, utilization-aware
// threshold. Hooks supplies the session utilization signal the threshold
// scales with.
type Gate struct {
	hooks     obs.Hooks
	thetaBase float64
}

func NewGate(hooks obs.Hooks) *Gate { return &Gate{hooks: hooks, thetaBase: defaultThetaBase} }

// SetThresholdBase overrides the gate's base admission threshold
// (atg.threshold_base, §6.4). Optional: a freshly constructed Gate uses
// defaultThetaBase, matching every caller that never calls this.
func (g *Gate) SetThresholdBase(v float64) *Gate {
	if v > 0 {
		g.thetaBase = v
	}
	return g
}

// Evaluate computes the salience score, the admission score, and the
// dynamic threshold, then admits or denies (§4.7).
func (g *Gate) Evaluate(req AdmitRequest) AdmissionDecision {
	if req.Policy.Decision == pdp.Deny {
		return AdmissionDecision{Admit: false, Reasons: []Reason{ReasonPolicyDeny}, Obligation: req.Policy.Obligations}
	}

	h := req.Hints
	salience := 0.4*h.Relevance + 0.2*h.Urgency + 0.2*h.Recency + 0.2*h.AttentionAlignment
	admissionScore := salience * (1 + 0.3*h.TaskRelevance + 0.2*h.CoherenceBoost)

	utilization := g.hooks.Utilization(req.SessionId)
	threshold := g.thetaBase * (1 + 0.5*utilization)

	decision := AdmissionDecision{
		Score:      admissionScore,
		Threshold:  threshold,
		Obligation: req.Policy.Obligations,
	}

	if utilization >= 1 {
		decision.Admit = false
		decision.Reasons = append(decision.Reasons, ReasonBackpressure)
		return decision
	}

	if admissionScore < threshold {
		decision.Admit = false
		decision.Reasons = append(decision.Reasons, ReasonBelowThreshold)
		return decision
	}

	decision.Admit = true
	return decision
}
