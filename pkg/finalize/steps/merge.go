// Package steps combines partial step overrides from three independent
// sources into one effective per-step view. Priority is fixed: caller
// defaults first, session-persisted state over them, freshly computed
// validation state last. Later sources win field-by-field, never by
// whole-record replacement.
package steps

import (
	"fmt"
	"sort"

	"clinical-finalize-be/pkg/store"
)

// Defaults are the caller-facing descriptions for the six wizard steps, used
// when no source supplies its own.
var Defaults = []store.StepState{
	{Id: store.StepCodeVerification, Status: store.StatusPending, Description: "Verify billing codes"},
	{Id: store.StepSuggestionReview, Status: store.StatusPending, Description: "Review AI suggestions"},
	{Id: store.StepContentReview, Status: store.StatusPending, Description: "Review note content"},
	{Id: store.StepDocumentation, Status: store.StatusPending, Description: "Documentation completeness"},
	{Id: store.StepComplianceChecks, Status: store.StatusPending, Description: "Compliance checks"},
	{Id: store.StepDispatchReadiness, Status: store.StatusPending, Description: "Dispatch readiness"},
}

// TranslateSessionStatus maps the backend session-status vocabulary onto the
// client-side one. Unknown values pass through untouched.
func TranslateSessionStatus(status string) string {
	switch status {
	case "in_progress":
		return store.StatusInProgress
	case "not_started":
		return store.StatusPending
	default:
		return status
	}
}

// FromSessionStates translates a session-persisted step list into mergeable
// overrides.
func FromSessionStates(states []store.StepState) []store.StepState {
	out := make([]store.StepState, len(states))
	for i, s := range states {
		s.Status = TranslateSessionStatus(s.Status)
		out[i] = s
	}
	return out
}

// Merge folds the three override sources left-to-right with a shallow field
// merge per step id. Output is sorted by step id; consumers index it by id
// anyway.
func Merge(caller, session, validation []store.StepState) []store.StepState {
	merged := make(map[int]store.StepState)

	apply := func(overrides []store.StepState) {
		for _, o := range overrides {
			if o.Id == 0 {
				continue
			}
			cur, ok := merged[o.Id]
			if !ok {
				merged[o.Id] = o
				continue
			}
			if o.Status != "" {
				cur.Status = o.Status
			}
			if o.Description != "" {
				cur.Description = o.Description
			}
			if o.Progress != nil {
				cur.Progress = o.Progress
			}
			merged[o.Id] = cur
		}
	}

	apply(caller)
	apply(FromSessionStates(session))
	apply(validation)

	ids := make([]int, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]store.StepState, 0, len(ids))
	for _, id := range ids {
		out = append(out, withProgressSuffix(merged[id]))
	}
	return out
}

// withProgressSuffix appends a numeric progress to the description instead of
// replacing it. Blocked steps keep their blocking text untouched.
func withProgressSuffix(s store.StepState) store.StepState {
	if s.Progress == nil || s.Status == store.StatusBlocked || s.Description == "" {
		return s
	}
	if *s.Progress <= 0 || *s.Progress >= 100 {
		return s
	}
	s.Description = fmt.Sprintf("%s (%d%%)", s.Description, *s.Progress)
	return s
}
