// Package rdx implements the Redactor (§4.4): a deterministic, pure
// projection step that applies PDP obligations to a payload without ever
// mutating the stored canonical record.
package rdx

import "github.com/familycore/famcore/internal/pdp"

const maskValue = "[redacted]"

// Projection is the caller-facing view of a record after obligations have
// been applied. Fields is a shallow copy of the original payload with
// obligated keys replaced by maskValue.
type Projection struct {
	Fields       map[string]string
	RedactedKeys []string
}

// Apply redacts the fields named in obligations.RedactFields from payload,
// returning a new map — the input is never mutated. Same obligations +
// payload always produce the same output (no randomness, no clock reads).
func Apply(obligations pdp.Obligations, payload map[string]string) Projection {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	redactSet := make(map[string]bool, len(obligations.RedactFields))
	for _, f := range obligations.RedactFields {
		redactSet[f] = true
	}

	var redacted []string
	for k := range out {
		if redactSet[k] {
			out[k] = maskValue
			redacted = append(redacted, k)
		}
	}

	return Projection{Fields: out, RedactedKeys: sortedCopy(redacted)}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
