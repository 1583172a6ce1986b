package orch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// startTimeLayout matches the highstate outputter's clock format.
const startTimeLayout = "15:04:05.000000"

// Render produces the fixed-format, human-readable run summary: one block
// per step in completion order, then the success/failure tally. Rendering
// the same job record twice produces byte-identical text; the record is read
// only.
//
//	----------
//	          ID: core
//	    Function: salt.state
//	        Name: core
//	      Result: True
//	     Comment: States ran successfully on minion.
//	     Started: 15:04:05.000000
//	    Duration: 81.199 ms
//	     Changes: {...}
//
//	Summary for 01JF...
//	------------
//	Succeeded: 1 (changed=1)
//	Failed:    0
//	------------
//	Total states run:     1
//	Total run time:  81.199 ms
func Render(job *JobRecord) string {
	var b strings.Builder

	succeeded, failed, changed, noneCount := 0, 0, 0, 0
	var totalMS float64

	for _, r := range job.Steps {
		b.WriteString("----------\n")
		writeField(&b, "ID", r.ID)
		writeField(&b, "Function", "salt."+tagSuffix(r.Kind))
		writeField(&b, "Name", r.Name)
		writeField(&b, "Result", resultLabel(r))
		writeField(&b, "Comment", r.Comment)
		writeField(&b, "Started", r.StartTime.Format(startTimeLayout))
		writeField(&b, "Duration", fmt.Sprintf("%.3f ms", r.Duration))
		if r.Changed() {
			if data, err := json.Marshal(r.Changes); err == nil {
				writeField(&b, "Changes", string(data))
			}
		}

		totalMS += r.Duration
		switch {
		case r.Result == nil:
			noneCount++
		case *r.Result:
			succeeded++
			if r.Changed() {
				changed++
			}
		default:
			failed++
		}
	}

	b.WriteString("\nSummary for " + job.JID + "\n")
	b.WriteString("------------\n")
	if changed > 0 {
		fmt.Fprintf(&b, "Succeeded: %d (changed=%d)\n", succeeded, changed)
	} else {
		fmt.Fprintf(&b, "Succeeded: %d\n", succeeded)
	}
	fmt.Fprintf(&b, "Failed: %4d\n", failed)
	if noneCount > 0 {
		fmt.Fprintf(&b, "Not run: %4d\n", noneCount)
	}
	b.WriteString("------------\n")
	fmt.Fprintf(&b, "Total states run: %5d\n", succeeded+failed)
	fmt.Fprintf(&b, "Total run time: %8.3f ms\n", totalMS)

	return b.String()
}

// writeField writes one right-aligned "label: value" line.
func writeField(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%12s: %s\n", label, value)
}

func resultLabel(r *StepResult) string {
	switch {
	case r.Result == nil:
		return "None"
	case *r.Result:
		return "True"
	default:
		return "False"
	}
}

// Structured returns the machine-readable aggregated return: the nested
// mapping keyed by fully qualified step identifier
// (salt_|-<id>_|-<name>_|-<function>), each value the step result fields.
func Structured(job *JobRecord) map[string]any {
	out := make(map[string]any, len(job.Steps))
	for _, r := range job.Steps {
		out[r.Tag()] = structuredStep(r)
	}
	return out
}

// structuredStep flattens one step result into its wire mapping.
func structuredStep(r *StepResult) map[string]any {
	m := map[string]any{
		"__id__":      r.ID,
		"__run_num__": r.RunNum,
		"__sls__":     r.SLS,
		"name":        r.Name,
		"comment":     r.Comment,
		"changes":     r.Changes,
		"duration":    r.Duration,
		"start_time":  r.StartTime.Format(startTimeLayout),
	}
	if r.Result != nil {
		m["result"] = *r.Result
	} else {
		m["result"] = nil
	}
	if r.JID != "" {
		m["__jid__"] = r.JID
	}
	return m
}
