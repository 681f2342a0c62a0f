// Package canon provides deterministic canonical byte encoding for values
// that must hash identically across implementations and across time: audit
// receipts (§4.16) and BUS/SYN envelopes (§6.2). google.golang.org/protobuf
// was considered for this (see SPEC_FULL.md, "dropped" dependencies) but
// real wiring needs .proto codegen this exercise cannot run, so canon
// hand-rolls a small sorted-field encoder instead.
package canon

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fields is an ordered set of canonical key/value pairs. Encode sorts by
// key so the output is independent of insertion order.
type Fields map[string]string

// Encode renders fields as canonical bytes: keys sorted ascending,
// "key=value" lines joined with '\n', each value escaped so it cannot
// introduce a spurious field boundary.
func Encode(f Fields) []byte {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(f[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func escape(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, "=", `\=`)
	return v
}

// Int64 renders an integer as its canonical decimal string form, for
// inclusion as a Fields value.
func Int64(v int64) string { return strconv.FormatInt(v, 10) }

// StringSlice renders a string slice deterministically: comma-joined after
// the slice is sorted, so set-like fields (e.g. record_ids) canonicalize
// regardless of original order.
func StringSlice(vs []string) string {
	cp := append([]string(nil), vs...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

// Bool renders a boolean as "true"/"false".
func Bool(v bool) string { return fmt.Sprintf("%t", v) }
