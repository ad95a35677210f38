package capture

import (
	"fmt"
	"sort"

	"github.com/hpungsan/insight/internal/textutil"
)

// DefaultTokenBudget is the largest estimated artifact handed to distill.
const DefaultTokenBudget = 150000

const (
	linkKeepChars       = 2000
	threadMaxSegments   = 12
	threadKeepHead      = 5
	threadKeepTail      = 5
	transcriptKeepChars = 10000
	truncatedMarker     = "\n...[truncated]"
)

// Truncate shrinks the artifact toward budget. Links are cut first, longest
// content first; then long threads lose their middle; then the transcript is
// cut. Primary text and image descriptions are never touched. The estimate is
// recomputed after every change. Reports whether anything was cut.
func (a *Artifact) Truncate(budget int) bool {
	if a.Recompute() <= budget {
		return false
	}
	cut := false

	order := make([]int, len(a.Links))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return textutil.CountChars(a.Links[order[i]].Content) > textutil.CountChars(a.Links[order[j]].Content)
	})
	for _, i := range order {
		if a.TokenEstimate <= budget {
			break
		}
		l := &a.Links[i]
		if textutil.CountChars(l.Content) > linkKeepChars {
			l.Content = textutil.TruncateChars(l.Content, linkKeepChars) + truncatedMarker
			a.Recompute()
			cut = true
		}
	}

	if len(a.Thread) > threadMaxSegments && a.TokenEstimate > budget {
		omitted := len(a.Thread) - threadKeepHead - threadKeepTail
		kept := make([]ThreadSegment, 0, threadKeepHead+1+threadKeepTail)
		kept = append(kept, a.Thread[:threadKeepHead]...)
		kept = append(kept, ThreadSegment{
			Order: threadKeepHead,
			Text:  fmt.Sprintf("[...%d segments omitted for token budget...]", omitted),
		})
		kept = append(kept, a.Thread[len(a.Thread)-threadKeepTail:]...)
		a.Thread = kept
		a.Recompute()
		cut = true
	}

	if a.TokenEstimate > budget && textutil.CountChars(a.Transcript) > transcriptKeepChars {
		a.Transcript = textutil.TruncateChars(a.Transcript, transcriptKeepChars) + truncatedMarker
		a.Recompute()
		cut = true
	}

	if cut {
		a.Truncated = true
	}
	return cut
}
