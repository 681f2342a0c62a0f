// Package pdp implements the Policy Decision Point (§4.3): RBAC + ABAC +
// space sharing + content safety, composed into one PolicyDecision with
// obligations. Fails secure: any internal error yields DENY.
package pdp

import (
	"fmt"
	"sync"
	"time"

	"github.com/familycore/famcore/internal/cit"
)

// Operation names the requested action; PDP capability maps key off these.
type Operation string

const (
	OpMemoryWrite   Operation = "memory.write"
	OpMemoryRead    Operation = "memory.read"
	OpMemoryProject Operation = "memory.project"
	OpMemoryDelete  Operation = "memory.tombstone"
	OpSync          Operation = "sync.apply"
)

// Request is the input to Evaluate (§4.3).
type Request struct {
	Operation   Operation
	Actor       cit.UserId
	ActorRole   string
	ActorAge    AgeClass
	Device      cit.DeviceId
	DeviceTrust TrustLevel
	Space       cit.SpaceId
	ContentMeta ContentMeta
	Tags        []string
	TimeOfDay   time.Time
}

// AgeClass buckets the actor for ABAC age-gated rules.
type AgeClass string

const (
	AgeChild AgeClass = "child"
	AgeTeen  AgeClass = "teen"
	AgeAdult AgeClass = "adult"
)

// TrustLevel is a coarse device posture signal.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLimited
	TrustFull
)

// ContentMeta carries only metadata the policy may inspect, never raw
// content — the classifier runs upstream and hands PDP its verdict.
type ContentMeta struct {
	Hash           string
	SafetyBand     cit.Band
	SafetyFlags    []string // e.g. "self_harm", "explicit", "financial"
	RequiresParent bool
}

// Decision enum per §4.3.
type Decision string

const (
	Allow         Decision = "ALLOW"
	AllowRedacted Decision = "ALLOW_REDACTED"
	Deny          Decision = "DENY"
)

// Obligations attached to a decision (§3 PolicyDecision, §4.3 step 5).
type Obligations struct {
	RedactFields []string
	BandFloor    cit.Band
	Audit        bool
	ShareScope   []cit.SpaceId
}

// PolicyDecision is the immutable output of one evaluation.
type PolicyDecision struct {
	Decision     Decision
	Obligations  Obligations
	Reasons      []string
	CapsUsed     []string
	ModelVersion string
}

const modelVersion = "pdp-v1"

// capabilitiesFor maps a role to the capability set it holds; a closed
// table, generalized from internal/policy/engine.go's single MaxAutoTier
// check into the spec's richer RBAC step.
var roleCapabilities = map[string]map[Operation]bool{
	"owner": {
		OpMemoryWrite: true, OpMemoryRead: true, OpMemoryProject: true,
		OpMemoryDelete: true, OpSync: true,
	},
	"member": {
		OpMemoryWrite: true, OpMemoryRead: true, OpMemoryProject: true,
		OpMemoryDelete: true,
	},
	"child": {
		OpMemoryWrite: true, OpMemoryRead: true,
	},
	"guest": {
		OpMemoryRead: true,
	},
}

// Engine evaluates PolicyDecisions, caching by (operation, actor, space,
// content-meta-hash, model_version) with a bounded TTL (§4.3 step 6).
type Engine struct {
	cacheTTL     time.Duration
	modelVersion string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	decision PolicyDecision
	expires  time.Time
}

// NewEngine builds a PDP with the given decision-cache TTL (config key
// pdp.cache_ttl_sec, clamped to <= 5 minutes per §4.3).
func NewEngine(cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 || cacheTTL > 5*time.Minute {
		cacheTTL = 5 * time.Minute
	}
	return &Engine{cacheTTL: cacheTTL, modelVersion: modelVersion, cache: make(map[string]cacheEntry)}
}

// SetModelVersion overrides the model version stamped onto every decision
// and folded into the cache key (config key policy.model_version). Returns
// e so it composes with NewEngine at a call site without widening its
// signature.
func (e *Engine) SetModelVersion(v string) *Engine {
	if v != "" {
		e.modelVersion = v
	}
	return e
}

// Evaluate runs the five-stage composition from §4.3. Recovers from any
// panic in a sub-stage by failing secure: decision DENY, reason
// "pdp_error".
func (e *Engine) Evaluate(req Request) (decision PolicyDecision) {
	key := e.cacheKey(req)
	if d, ok := e.cachedDecision(key); ok {
		return d
	}

	defer func() {
		if r := recover(); r != nil {
			decision = PolicyDecision{
				Decision:     Deny,
				Reasons:      []string{"pdp_error"},
				ModelVersion: e.modelVersion,
			}
		}
		e.store(key, decision)
	}()

	decision = e.evaluateUncached(req)
	return decision
}

func (e *Engine) evaluateUncached(req Request) PolicyDecision {
	caps := []string{"rbac"}

	// 1. RBAC
	roleCaps, ok := roleCapabilities[req.ActorRole]
	if !ok || !roleCaps[req.Operation] {
		return PolicyDecision{
			Decision:     Deny,
			Reasons:      []string{fmt.Sprintf("rbac_denied_role_%s", req.ActorRole)},
			CapsUsed:     caps,
			ModelVersion: e.modelVersion,
		}
	}

	obligations := Obligations{BandFloor: cit.BandGreen}
	reasons := []string{"rbac_ok"}
	redacted := false

	// 2. ABAC
	caps = append(caps, "abac")
	if req.ActorAge == AgeChild && req.ContentMeta.SafetyBand >= cit.BandRed {
		obligations.BandFloor = cit.MaxBand(obligations.BandFloor, cit.BandRed)
		obligations.Audit = true
		if req.ContentMeta.RequiresParent {
			return PolicyDecision{
				Decision:     Deny,
				Reasons:      append(reasons, "abac_child_requires_parental_approval"),
				CapsUsed:     caps,
				ModelVersion: e.modelVersion,
			}
		}
	}
	if req.DeviceTrust == TrustUntrusted && req.Operation != OpMemoryRead {
		return PolicyDecision{
			Decision:     Deny,
			Reasons:      append(reasons, "abac_untrusted_device"),
			CapsUsed:     caps,
			ModelVersion: e.modelVersion,
		}
	}
	if req.DeviceTrust == TrustLimited {
		obligations.Audit = true
		redacted = true
		reasons = append(reasons, "abac_limited_trust_redact")
	}

	// 3. Space policy
	caps = append(caps, "space")
	if !req.Space.Valid() {
		return PolicyDecision{
			Decision:     Deny,
			Reasons:      append(reasons, "space_invalid"),
			CapsUsed:     caps,
			ModelVersion: e.modelVersion,
		}
	}
	if req.Operation == OpMemoryProject && !req.Space.IsShareable() {
		// personal:* never leaves the owner device without an explicit
		// consent op (§4.3 step 3) — memory.project requires one, which
		// the caller supplies out of band; PDP denies by default here and
		// callers holding a consent token pass OpSync/OpMemoryProject with
		// ContentMeta already reflecting consent has been granted upstream.
		return PolicyDecision{
			Decision:     Deny,
			Reasons:      append(reasons, "space_personal_no_project_without_consent"),
			CapsUsed:     caps,
			ModelVersion: e.modelVersion,
		}
	}

	// 4. Content safety
	caps = append(caps, "safety")
	if len(req.ContentMeta.SafetyFlags) > 0 {
		obligations.Audit = true
		obligations.BandFloor = cit.MaxBand(obligations.BandFloor, req.ContentMeta.SafetyBand)
		obligations.RedactFields = append(obligations.RedactFields, req.ContentMeta.SafetyFlags...)
		redacted = true
		reasons = append(reasons, "safety_flags_present")
	}

	// 5. Composition
	d := Allow
	if redacted {
		d = AllowRedacted
	}
	reasons = append(reasons, "composed_ok")

	return PolicyDecision{
		Decision:     d,
		Obligations:  obligations,
		Reasons:      reasons,
		CapsUsed:     caps,
		ModelVersion: e.modelVersion,
	}
}

func (e *Engine) cacheKey(req Request) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", req.Operation, req.Actor, req.Space, req.ContentMeta.Hash, e.modelVersion)
}

func (e *Engine) cachedDecision(key string) (PolicyDecision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return PolicyDecision{}, false
	}
	return entry.decision, true
}

func (e *Engine) store(key string, d PolicyDecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cacheEntry{decision: d, expires: time.Now().Add(e.cacheTTL)}
}

// InvalidateAll clears the decision cache — called on role/consent change
// per §4.3 step 6.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cacheEntry)
}
