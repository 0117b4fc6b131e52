package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_AllSections(t *testing.T) {
	content := `## What was done
Implemented the session pool.

## Decisions made
- Kept the pool size fixed

## Open questions
Should eviction be LRU?

## Next agent context
Review the pool implementation in pkg/pool.`

	record := NewExtractor().Extract(content)
	require.NotNil(t, record)

	assert.Equal(t, "Implemented the session pool.", record.WhatWasDone)
	assert.Equal(t, "- Kept the pool size fixed", record.DecisionsMade)
	assert.Equal(t, "Should eviction be LRU?", record.OpenQuestions)
	assert.Equal(t, "Review the pool implementation in pkg/pool.", record.NextAgentContext)
}

func TestExtract_HeadingVariants(t *testing.T) {
	content := "# WHAT-WAS-DONE\nsomething\n### Next Agent Context:\nreview it"

	record := NewExtractor().Extract(content)
	require.NotNil(t, record)

	assert.Equal(t, "something", record.WhatWasDone)
	assert.Equal(t, "review it", record.NextAgentContext)
}

func TestExtract_FirstOccurrenceWins(t *testing.T) {
	content := "## What was done\nfirst\n## What was done\nsecond"

	record := NewExtractor().Extract(content)
	require.NotNil(t, record)

	assert.Equal(t, "first", record.WhatWasDone)
}

func TestExtract_NoRecognizedSections(t *testing.T) {
	assert.Nil(t, NewExtractor().Extract("plain prose without headings"))
	assert.Nil(t, NewExtractor().Extract("## Summary\nsomething unrelated"))
}

func TestExtract_Blank(t *testing.T) {
	assert.Nil(t, NewExtractor().Extract(""))
	assert.Nil(t, NewExtractor().Extract("   \n\t\n"))
}

func TestExtract_EmptySectionsOnly(t *testing.T) {
	assert.Nil(t, NewExtractor().Extract("## What was done\n\n## Decisions made\n"))
}

func TestExtract_UnrecognizedHeadingEndsSection(t *testing.T) {
	content := "## What was done\ncaptured\n## Other notes\nnot captured"

	record := NewExtractor().Extract(content)
	require.NotNil(t, record)

	assert.Equal(t, "captured", record.WhatWasDone)
	assert.Empty(t, record.NextAgentContext)
}

func TestContextHeader_FullRecord(t *testing.T) {
	record := &Record{
		WhatWasDone:      "built it",
		DecisionsMade:    "- chose A",
		OpenQuestions:    "none",
		NextAgentContext: "review it",
	}

	header := record.ContextHeader("developer")

	assert.Contains(t, header, "## Handoff from previous step (developer)")
	assert.Contains(t, header, "**What was done**: built it")
	assert.Contains(t, header, "**Decisions made**:\n- chose A")
	assert.Contains(t, header, "**Open questions**:\nnone")
	assert.Contains(t, header, "**Your task**: review it")
}

func TestContextHeader_OmitsEmptyFields(t *testing.T) {
	record := &Record{NextAgentContext: "just this"}

	header := record.ContextHeader("")

	assert.Contains(t, header, "## Handoff from previous step\n")
	assert.Contains(t, header, "**Your task**: just this")
	assert.NotContains(t, header, "**What was done**")
	assert.NotContains(t, header, "**Decisions made**")
}

func TestRecord_IsEmpty(t *testing.T) {
	assert.True(t, (&Record{}).IsEmpty())
	assert.False(t, (&Record{WhatWasDone: "x"}).IsEmpty())
}
