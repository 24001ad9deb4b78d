package models

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeKeepsShortBodies(t *testing.T) {
	s := Summarize(&Message{ID: 7, Body: "hello", Type: MessageText}, "alice")
	assert.Equal(t, "hello", s.Body)
	assert.Equal(t, "alice", s.FromUsername)
	assert.False(t, s.IsRecalled)
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte runes straddling the limit must not be split.
	body := "a" + strings.Repeat("好", SummaryBodyLimit)
	s := Summarize(&Message{ID: 7, Body: body, Type: MessageText}, "alice")

	require.True(t, utf8.ValidString(s.Body))
	assert.Equal(t, SummaryBodyLimit, len([]rune(s.Body)))
	assert.True(t, strings.HasPrefix(body, s.Body))
}

func TestSummarizeRecalled(t *testing.T) {
	s := Summarize(&Message{ID: 7, Body: "", IsRecalled: true}, "alice")
	assert.Equal(t, RecalledPlaceholder, s.Body)
	assert.True(t, s.IsRecalled)
}
