package handoff

import "strings"

// fieldKeys maps normalized heading text to Record field setters.
var fieldKeys = map[string]func(*Record, string){
	"whatwasdone":      func(r *Record, v string) { r.WhatWasDone = v },
	"decisionsmade":    func(r *Record, v string) { r.DecisionsMade = v },
	"openquestions":    func(r *Record, v string) { r.OpenQuestions = v },
	"nextagentcontext": func(r *Record, v string) { r.NextAgentContext = v },
}

// Extractor parses recognized Markdown section headings out of raw agent
// output. It never logs: extraction failure is an expected outcome and the
// caller decides how to record it.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract parses Markdown headings and returns a populated Record, or nil if
// no recognized section was found or the input is blank. When a heading
// appears more than once the first occurrence wins.
func (e *Extractor) Extract(content string) *Record {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	record := &Record{}
	seen := make(map[string]bool)

	var (
		currentKey   string
		currentLines []string
	)

	flush := func() {
		if currentKey == "" {
			return
		}

		fieldKeys[currentKey](record, strings.TrimSpace(strings.Join(currentLines, "\n")))
		seen[currentKey] = true
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			flush()

			currentKey = ""
			currentLines = nil

			heading := strings.TrimSpace(strings.TrimLeft(line, "#"))
			normalized := normalize(heading)

			if _, ok := fieldKeys[normalized]; ok && !seen[normalized] {
				currentKey = normalized
			}

			continue
		}

		if currentKey != "" {
			currentLines = append(currentLines, line)
		}
	}

	flush()

	if len(seen) == 0 || record.IsEmpty() {
		return nil
	}

	return record
}

// normalize lower-cases and strips all non-alphanumeric characters so heading
// variants like "What Was Done" and "what-was-done" compare equal.
func normalize(text string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}
