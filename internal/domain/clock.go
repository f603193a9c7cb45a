package domain

import "github.com/jonboulle/clockwork"

// clock stamps processed batches. Tests freeze it via SetClock.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used for ProcessedAt. Pass nil to reset to
// real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// NewHistoryBatch groups the histories of one level computed by one run.
func NewHistoryBatch(runID string, level Level, dates []string, histories []RegionHistory) HistoryBatch {
	date := ""
	if len(dates) > 0 {
		date = dates[len(dates)-1]
	}
	return HistoryBatch{
		RunID:       runID,
		Level:       level,
		Date:        date,
		Dates:       dates,
		Histories:   histories,
		ProcessedAt: clock.Now().UTC(),
	}
}
