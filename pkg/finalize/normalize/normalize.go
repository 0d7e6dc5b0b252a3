// Package normalize converts raw, loosely-typed backend payloads into the
// canonical shapes in pkg/store. Backend responses are deliberately tolerant:
// any numeric or string field may arrive absent, as a string, or as a number,
// so everything here coerces defensively. All functions are pure.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"clinical-finalize-be/pkg/store"
)

// String coerces a raw JSON value to a string. Numbers are formatted without
// a trailing ".0" so ids like 42 survive round-trips.
func String(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// Float coerces a raw JSON value to a float64. Returns false when the value
// is absent or unparseable.
func Float(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Bool coerces a raw JSON value to a tri-state bool. Strings "true"/"false"
// count; anything else yields nil.
func Bool(v interface{}) *bool {
	switch t := v.(type) {
	case bool:
		b := t
		return &b
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return &b
		}
	}
	return nil
}

// StringList coerces a raw JSON value into a list of non-empty strings.
// Accepts a bare string, a []interface{} of mixed scalars, or a []string.
func StringList(v interface{}) []string {
	var out []string
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []interface{}:
		for _, item := range t {
			if s := strings.TrimSpace(String(item)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// ConfidencePercent maps a confidence value onto a 0-100 integer scale.
// Values above 1 are treated as already-percent; values at or below 1 as a
// fraction.
func ConfidencePercent(c float64) int {
	if c < 0 {
		return 0
	}
	if c > 1 {
		if c > 100 {
			return 100
		}
		return int(math.Round(c))
	}
	return int(math.Round(c * 100))
}

// ConfidenceFraction normalizes a confidence value onto the 0-1 scale.
func ConfidenceFraction(c float64) float64 {
	if c > 1 {
		return math.Min(c, 100) / 100
	}
	if c < 0 {
		return 0
	}
	return c
}

// codeCategory maps loose category/type tags onto the canonical
// classification used to bucket codes for the finalize request.
func codeCategory(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prevention", "preventive", "preventative":
		return store.CodeCategoryPrevention
	case "diagnosis", "diagnoses", "dx", "icd", "icd10", "icd-10":
		return store.CodeCategoryDiagnosis
	case "differential", "differentials", "ddx":
		return store.CodeCategoryDifferential
	default:
		return store.CodeCategoryCode
	}
}

// CodeItems converts a raw code list into canonical, de-duplicated items.
// Later duplicates of the same code are dropped, first occurrence wins.
func CodeItems(raw interface{}) []store.CodeItem {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	seen := make(map[string]bool, len(list))
	var out []store.CodeItem
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			// Bare string entries are allowed: treat as a code with no metadata.
			if s := strings.TrimSpace(String(item)); s != "" && !seen[s] {
				seen[s] = true
				out = append(out, store.CodeItem{Code: s, Category: store.CodeCategoryCode})
			}
			continue
		}

		code := strings.TrimSpace(String(m["code"]))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true

		category := String(m["category"])
		if category == "" {
			category = String(m["type"])
		}

		ci := store.CodeItem{
			Code:        code,
			Description: String(m["description"]),
			Category:    codeCategory(category),
		}
		if f, ok := Float(m["confidence"]); ok {
			ci.Confidence = ConfidenceFraction(f)
		}
		if f, ok := Float(m["rvu"]); ok {
			ci.RVU = f
		}
		if f, ok := Float(m["reimbursement"]); ok {
			ci.Reimbursement = f
		}
		out = append(out, ci)
	}
	return out
}

// ComplianceItems converts a raw compliance-finding list into canonical,
// de-duplicated items keyed by id. Entries without an id get a positional one
// so downstream sets stay stable.
func ComplianceItems(raw interface{}) []store.ComplianceItem {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	seen := make(map[string]bool, len(list))
	var out []store.ComplianceItem
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id := strings.TrimSpace(String(m["id"]))
		if id == "" {
			id = fmt.Sprintf("compliance-%d", i+1)
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		ci := store.ComplianceItem{
			Id:          id,
			Title:       String(m["title"]),
			Description: String(m["description"]),
			Severity:    String(m["severity"]),
		}
		if b := Bool(m["dismissed"]); b != nil {
			ci.Dismissed = *b
		}
		out = append(out, ci)
	}
	return out
}

// TranscriptEntries converts a raw transcript list into canonical entries.
// Entries without text are dropped.
func TranscriptEntries(raw interface{}) []store.TranscriptEntry {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	var out []store.TranscriptEntry
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		text := String(m["text"])
		if strings.TrimSpace(text) == "" {
			continue
		}
		id := strings.TrimSpace(String(m["id"]))
		if id == "" {
			id = fmt.Sprintf("entry-%d", i+1)
		}
		e := store.TranscriptEntry{
			Id:        id,
			Text:      text,
			Speaker:   String(m["speaker"]),
			Timestamp: String(m["timestamp"]),
		}
		if f, ok := Float(m["confidence"]); ok {
			c := ConfidenceFraction(f)
			e.Confidence = &c
		}
		out = append(out, e)
	}
	return out
}

// PatientMetadata passes through a raw metadata object, dropping non-object
// values rather than guessing at a shape.
func PatientMetadata(raw interface{}) map[string]interface{} {
	if m, ok := raw.(map[string]interface{}); ok {
		return m
	}
	return nil
}

// ValidationRecord converts one raw named check into the canonical record.
func ValidationRecord(raw interface{}) store.ValidationRecord {
	var rec store.ValidationRecord
	m, ok := raw.(map[string]interface{})
	if !ok {
		return rec
	}
	rec.Passed = Bool(m["passed"])
	rec.Issues = StringList(m["issues"])
	rec.Conflicts = StringList(m["conflicts"])
	rec.Missing = StringList(m["missing"])
	rec.Requirements = StringList(m["requirements"])
	rec.CriticalIssues = StringList(m["criticalIssues"])
	if rec.CriticalIssues == nil {
		rec.CriticalIssues = StringList(m["critical_issues"])
	}
	if f, ok := Float(m["confidence"]); ok {
		rec.Confidence = &f
	}
	return rec
}
