package driftsync

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// Conflict detector. DiffFields computes which business fields diverge
// between a local and a remote payload; ClassifyFields splits the changed
// set into critical and non-critical per entity type.

// DiffFields returns the names of fields whose values differ, in no
// particular order. Bookkeeping fields (identifiers, sync status,
// timestamps) are excluded. A field present on one side and absent or null
// on the other counts as a difference unless both sides are effectively
// null.
func DiffFields(local, remote map[string]any) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	var changed []string

	check := func(field string) {
		if seen[field] || ignoredFields[field] {
			return
		}
		seen[field] = true
		if !fieldsEqual(local[field], remote[field]) {
			changed = append(changed, field)
		}
	}

	for field := range local {
		check(field)
	}
	for field := range remote {
		check(field)
	}
	return changed
}

// ClassifyFields splits changed field names by the entity type's critical
// list. Entity types with no configured critical fields never escalate.
func ClassifyFields(entityType EntityType, changed []string) (critical, nonCritical []string) {
	criticalSet := make(map[string]bool)
	for _, f := range entityType.CriticalFields() {
		criticalSet[f] = true
	}
	for _, f := range changed {
		if criticalSet[f] {
			critical = append(critical, f)
		} else {
			nonCritical = append(nonCritical, f)
		}
	}
	return critical, nonCritical
}

// severityFor grades a divergence for triage. Any critical field is
// CRITICAL; otherwise the grade scales with how much of the record moved.
func severityFor(critical, nonCritical []string) Severity {
	switch {
	case len(critical) > 0:
		return SeverityCritical
	case len(nonCritical) > 3:
		return SeverityHigh
	case len(nonCritical) > 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// fieldsEqual applies the detector's equality rules: null/null is equal,
// numbers compare within a small epsilon, and nested data compares
// structurally so differently-encoded equivalents do not flag.
func fieldsEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	if fa, aok := asFloat(a); aok {
		if fb, bok := asFloat(b); bok {
			return math.Abs(fa-fb) < numericEpsilon
		}
	}

	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			if sa == sb {
				return true
			}
			// Equivalent serialized collections count as equal even when
			// the textual encoding differs.
			return jsonEquivalent(sa, sb)
		}
	}

	if reflect.DeepEqual(a, b) {
		return true
	}
	return structurallyEqual(a, b)
}

// asFloat coerces JSON-decoded numeric shapes to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// jsonEquivalent reports whether two strings decode to the same nested
// structure. Bare scalars are not compared this way, so "1" and "1.0"
// stay distinct as strings.
func jsonEquivalent(a, b string) bool {
	if !looksStructured(a) || !looksStructured(b) {
		return false
	}
	var va, vb any
	if json.Unmarshal([]byte(a), &va) != nil {
		return false
	}
	if json.Unmarshal([]byte(b), &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func looksStructured(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			continue
		}
		return c == '{' || c == '['
	}
	return false
}

// structurallyEqual normalizes both values through JSON and compares the
// results. Catches []any vs []string style mismatches from different
// decode paths.
func structurallyEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var va, vb any
	if json.Unmarshal(ja, &va) != nil || json.Unmarshal(jb, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// emptyValue reports whether v carries no information for merge purposes.
// Used by the smart overlay so an empty newer-side value never clobbers a
// populated older-side one.
func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// formatFieldValue renders a field value for audit notes and CLI output.
func formatFieldValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "<null>"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "?"
		}
		return string(b)
	}
}
