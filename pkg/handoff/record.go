// Package handoff extracts structured handoff data from raw agent output.
package handoff

import "strings"

// Record is the structured representation of what one agent passed to the
// next. All fields are optional because agents may produce partial structured
// output; use IsEmpty to check whether extraction yielded anything.
type Record struct {
	WhatWasDone      string `json:"what_was_done,omitempty"`
	DecisionsMade    string `json:"decisions_made,omitempty"`
	OpenQuestions    string `json:"open_questions,omitempty"`
	NextAgentContext string `json:"next_agent_context,omitempty"`
}

// IsEmpty reports whether every field is empty.
func (r *Record) IsEmpty() bool {
	return r.WhatWasDone == "" && r.DecisionsMade == "" && r.OpenQuestions == "" && r.NextAgentContext == ""
}

// ContextHeader renders a compact Markdown summary used as the next step's
// input instead of the raw output. Empty fields are omitted; agentName, when
// non-empty, is included in the heading.
func (r *Record) ContextHeader(agentName string) string {
	heading := "## Handoff from previous step"
	if agentName != "" {
		heading = "## Handoff from previous step (" + agentName + ")"
	}

	lines := []string{heading, ""}

	if r.WhatWasDone != "" {
		lines = append(lines, "**What was done**: "+r.WhatWasDone, "")
	}

	if r.DecisionsMade != "" {
		lines = append(lines, "**Decisions made**:", r.DecisionsMade, "")
	}

	if r.OpenQuestions != "" {
		lines = append(lines, "**Open questions**:", r.OpenQuestions, "")
	}

	if r.NextAgentContext != "" {
		lines = append(lines, "**Your task**: "+r.NextAgentContext, "")
	}

	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
