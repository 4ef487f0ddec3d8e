package store

import (
	"strings"

	"github.com/botfleet/botfleet/pkg/models"
)

// summaryMaxLen bounds the rolling summary in runes. When folding
// pushes past the bound the oldest folded lines are dropped first, so
// the summary always describes the most recent evicted conversation.
const summaryMaxLen = 2000

// foldSummary appends evicted turns to the rolling summary as
// "role: content" lines and clamps the result to summaryMaxLen.
func foldSummary(summary string, evicted []models.Turn) string {
	var b strings.Builder
	b.WriteString(summary)
	for _, t := range evicted {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	out := b.String()
	if r := []rune(out); len(r) > summaryMaxLen {
		out = string(r[len(r)-summaryMaxLen:])
	}
	return out
}
