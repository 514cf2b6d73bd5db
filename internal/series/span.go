package series

import (
	"github.com/milkywaybrain/candlesync/internal/market"
)

// subSpan is one slice of a requested range, tagged with whether it is
// already covered by local storage.
type subSpan struct {
	start int64
	end   int64
	local bool
}

// missingSpans computes the gaps of [start, end) not covered by the existing
// spans. Existing spans are ordered by start and non-overlapping.
func missingSpans(start, end int64, existing []market.Span) []market.Span {
	var missing []market.Span
	missingStart := start
	for _, sp := range existing {
		if sp.Start > missingStart {
			missing = append(missing, market.Span{Start: missingStart, End: sp.Start})
		}
		missingStart = sp.End
	}
	if missingStart < end {
		missing = append(missing, market.Span{Start: missingStart, End: end})
	}
	return missing
}

// reconcile partitions [start, end) into covered and missing sub-spans,
// ordered by start. Their union is exactly the requested range with no
// overlaps.
func reconcile(start, end int64, existing []market.Span) []subSpan {
	spans := make([]subSpan, 0, 2*len(existing)+1)
	cursor := start
	for _, sp := range existing {
		if sp.Start > cursor {
			spans = append(spans, subSpan{start: cursor, end: sp.Start})
		}
		spans = append(spans, subSpan{start: sp.Start, end: sp.End, local: true})
		cursor = sp.End
	}
	if cursor < end {
		spans = append(spans, subSpan{start: cursor, end: end})
	}
	return spans
}
