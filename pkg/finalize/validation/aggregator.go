// Package validation folds a per-check validation record set into per-step
// status/progress state, a global blocking-issue set, and a first-incomplete-
// step pointer. Aggregate is a pure function: same input, same output.
package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"clinical-finalize-be/pkg/finalize/normalize"
	"clinical-finalize-be/pkg/store"
)

// Input is the full validation payload the aggregator consumes: the named
// sub-checks plus the top-level fields the backend reports alongside them.
type Input struct {
	Checks               map[string]store.ValidationRecord
	RequiredFields       []string
	MissingDocumentation []string
	ComplianceIssues     []string
	Issues               []string
	CanFinalize          *bool
}

// Empty reports whether nothing in the payload carries information.
func (in Input) Empty() bool {
	return len(in.Checks) == 0 &&
		len(in.RequiredFields) == 0 &&
		len(in.MissingDocumentation) == 0 &&
		len(in.ComplianceIssues) == 0 &&
		len(in.Issues) == 0 &&
		in.CanFinalize == nil
}

// Result is the aggregated view the merger and the wizard consume.
type Result struct {
	Overrides      []store.StepState
	BlockingIssues []string
	CanFinalize    bool
	FirstOpenStep  int
}

// checkDef binds a known check name to its wizard step and display label.
type checkDef struct {
	name  string
	step  int
	label string
}

// Known checks in evaluation order. Three suggestion-review checks all map to
// step 2; the aggregator merges them, never overwrites.
var knownChecks = []checkDef{
	{"codeVerification", store.StepCodeVerification, "Code verification"},
	{"preventionReview", store.StepSuggestionReview, "Prevention review"},
	{"diagnosesReview", store.StepSuggestionReview, "Diagnoses review"},
	{"differentialsReview", store.StepSuggestionReview, "Differentials review"},
	{"contentReview", store.StepContentReview, "Content review"},
	{"complianceChecks", store.StepComplianceChecks, "Compliance checks"},
}

const dispatchBlockedMessage = "Note cannot be dispatched until blocking issues are resolved"

// derived is one check's contribution to its step.
type derived struct {
	status   string
	messages []string
}

// deriveCheck maps a single validation record to a status and message set.
func deriveCheck(label string, rec store.ValidationRecord) derived {
	msgs := rec.Messages()

	var status string
	switch {
	case rec.Passed != nil && *rec.Passed:
		status = store.StatusCompleted
		if len(msgs) == 0 {
			msgs = []string{label + " completed"}
		}
	case rec.Passed != nil && !*rec.Passed:
		status = store.StatusBlocked
		if len(msgs) == 0 {
			msgs = []string{label + " requires attention"}
		}
	case len(msgs) > 0:
		status = store.StatusBlocked
	default:
		status = store.StatusPending
	}

	if rec.Confidence != nil {
		msgs = append(msgs, fmt.Sprintf("%s confidence: %d%%", label, normalize.ConfidencePercent(*rec.Confidence)))
	}

	return derived{status: status, messages: msgs}
}

// severity orders statuses for the per-step fold: any blocked check blocks
// the whole step, and an open check keeps a step from reading completed.
func severity(status string) int {
	switch status {
	case store.StatusBlocked:
		return 2
	case store.StatusPending, store.StatusInProgress:
		return 1
	case store.StatusCompleted:
		return 0
	}
	return 1
}

// Aggregate folds the validation payload into per-step overrides plus the
// global blocking-issue set. Deterministic and side-effect free.
func Aggregate(in Input) Result {
	res := Result{CanFinalize: in.CanFinalize == nil || *in.CanFinalize, FirstOpenStep: store.StepCodeVerification}
	if in.Empty() {
		return res
	}

	type stepAcc struct {
		status    string
		messages  []string
		completed int
		total     int
	}
	acc := make(map[int]*stepAcc)

	touch := func(step int) *stepAcc {
		a, ok := acc[step]
		if !ok {
			a = &stepAcc{status: store.StatusPending}
			acc[step] = a
		}
		return a
	}

	addMessages := func(a *stepAcc, msgs []string) {
		for _, m := range msgs {
			dup := false
			for _, existing := range a.messages {
				if existing == m {
					dup = true
					break
				}
			}
			if !dup {
				a.messages = append(a.messages, m)
			}
		}
	}

	// 1. Fold every known check into its step.
	for _, def := range knownChecks {
		rec, ok := in.Checks[def.name]
		if !ok {
			continue
		}
		d := deriveCheck(def.label, rec)

		a := touch(def.step)
		a.total++
		if d.status == store.StatusCompleted {
			a.completed++
		}
		// First contribution seeds the status; later ones only escalate.
		if a.total == 1 || severity(d.status) > severity(a.status) {
			a.status = d.status
		}
		addMessages(a, d.messages)

		if d.status == store.StatusBlocked {
			res.BlockingIssues = appendUnique(res.BlockingIssues, d.messages...)
		}
	}

	// 2. Step 4 derives directly from documentation gaps, not sub-checks.
	if len(in.Checks) > 0 || len(in.RequiredFields) > 0 || len(in.MissingDocumentation) > 0 {
		doc := touch(store.StepDocumentation)
		gaps := appendUnique(nil, in.RequiredFields...)
		gaps = appendUnique(gaps, in.MissingDocumentation...)
		if len(gaps) > 0 {
			doc.status = store.StatusBlocked
			addMessages(doc, gaps)
			res.BlockingIssues = appendUnique(res.BlockingIssues, gaps...)
		} else {
			doc.status = store.StatusCompleted
			addMessages(doc, []string{"Documentation complete"})
			doc.completed, doc.total = 1, 1
		}
	}

	// 3. Top-level issue lists always block.
	res.BlockingIssues = appendUnique(res.BlockingIssues, in.Issues...)
	res.BlockingIssues = appendUnique(res.BlockingIssues, in.ComplianceIssues...)
	if len(in.ComplianceIssues) > 0 {
		comp := touch(store.StepComplianceChecks)
		comp.status = store.StatusBlocked
		addMessages(comp, in.ComplianceIssues)
	}

	// 4. Step 6 follows the top-level canFinalize flag.
	if in.CanFinalize != nil {
		dispatch := touch(store.StepDispatchReadiness)
		if !*in.CanFinalize {
			dispatch.status = store.StatusBlocked
			addMessages(dispatch, []string{dispatchBlockedMessage})
			res.BlockingIssues = appendUnique(res.BlockingIssues, dispatchBlockedMessage)
		} else {
			dispatch.status = store.StatusPending
			addMessages(dispatch, []string{"Ready for dispatch review"})
		}
	}

	// 5. Emit overrides in step order.
	steps := make([]int, 0, len(acc))
	for id := range acc {
		steps = append(steps, id)
	}
	sort.Ints(steps)
	for _, id := range steps {
		a := acc[id]
		st := store.StepState{
			Id:          id,
			Status:      a.status,
			Description: strings.Join(a.messages, "; "),
		}
		if a.total > 0 {
			p := int(math.Round(float64(a.completed) / float64(a.total) * 100))
			st.Progress = &p
		}
		res.Overrides = append(res.Overrides, st)
	}

	// 6. First step (in fixed order) not yet completed. Steps without any
	// derived state count as open.
	res.FirstOpenStep = store.StepCodeVerification
	for id := store.StepCodeVerification; id <= store.StepCount; id++ {
		a, ok := acc[id]
		if !ok || a.status != store.StatusCompleted {
			res.FirstOpenStep = id
			break
		}
		if id == store.StepCount {
			res.FirstOpenStep = store.StepCodeVerification
		}
	}

	return res
}

// ParsePayload lifts a raw pre-finalize validation response into an Input,
// coercing every field defensively.
func ParsePayload(raw map[string]interface{}) Input {
	var in Input
	if raw == nil {
		return in
	}

	if sv, ok := raw["stepValidation"].(map[string]interface{}); ok {
		in.Checks = make(map[string]store.ValidationRecord, len(sv))
		for name, rec := range sv {
			in.Checks[name] = normalize.ValidationRecord(rec)
		}
	}
	in.RequiredFields = normalize.StringList(raw["requiredFields"])
	in.MissingDocumentation = normalize.StringList(raw["missingDocumentation"])
	in.ComplianceIssues = normalize.StringList(raw["complianceIssues"])
	in.Issues = normalize.StringList(raw["issues"])
	in.CanFinalize = normalize.Bool(raw["canFinalize"])
	return in
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		if item == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if existing == item {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, item)
		}
	}
	return dst
}
