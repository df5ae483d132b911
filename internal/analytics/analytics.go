// Package analytics summarizes the persisted security audit trail into
// per-guild reports for the report command.
package analytics

import (
	"context"
	"sort"
	"time"

	"warden/internal/storage"
)

type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

// Report aggregates audit entries recorded since a point in time.
type Report struct {
	Since   time.Time
	Total   int
	ByLevel map[string]int
	ByEvent map[string]int
}

// EventCount pairs an event name with how often it occurred.
type EventCount struct {
	Event string
	Count int
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Since:   since,
		ByLevel: make(map[string]int),
		ByEvent: make(map[string]int),
	}
	for _, entry := range logs {
		report.Total++
		report.ByLevel[entry.Level]++
		report.ByEvent[entry.Event]++
	}
	return report, nil
}

// TopEvents returns the event counts sorted by frequency, most common
// first. Ties break alphabetically so the ordering is stable.
func (r Report) TopEvents(limit int) []EventCount {
	counts := make([]EventCount, 0, len(r.ByEvent))
	for event, count := range r.ByEvent {
		counts = append(counts, EventCount{Event: event, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Event < counts[j].Event
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}
