package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gathering/server/internal/store"
)

// Milestone is one named threshold in the compiled catalog. The catalog is
// immutable after startup and read concurrently without synchronization.
type Milestone struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Threshold   int64  `json:"threshold,omitempty"`
}

const (
	MilestoneTypeConcurrent = "concurrent"
	MilestoneTypeTime       = "time"
	MilestoneTypeCompound   = "compound"
)

type milestoneDef struct {
	Milestone
	unlocked func(snap Snapshot, prevPeak int64) bool
}

// significantPeaks are the thresholds the peak-leap milestone watches.
var significantPeaks = []int64{10, 100, 1000, 10000, 100000, 1000000}

func concurrentMilestone(id, name, description string, threshold int64) milestoneDef {
	return milestoneDef{
		Milestone: Milestone{ID: id, Name: name, Description: description, Type: MilestoneTypeConcurrent, Threshold: threshold},
		unlocked: func(snap Snapshot, _ int64) bool {
			return snap.ConcurrentConnections >= threshold
		},
	}
}

func timeMilestone(id, name, description string, threshold int64) milestoneDef {
	return milestoneDef{
		Milestone: Milestone{ID: id, Name: name, Description: description, Type: MilestoneTypeTime, Threshold: threshold},
		unlocked: func(snap Snapshot, _ int64) bool {
			return snap.TotalConnectionSeconds >= threshold
		},
	}
}

var milestoneCatalog = []milestoneDef{
	concurrentMilestone("first_awakening", "First Awakening", "A single soul joins the gathering.", 1),
	concurrentMilestone("ten_souls", "Ten Souls", "Ten souls gathered at once.", 10),
	concurrentMilestone("hundred_souls", "A Hundred Souls", "One hundred souls gathered at once.", 100),
	concurrentMilestone("thousand_souls", "A Thousand Souls", "One thousand souls gathered at once.", 1000),
	concurrentMilestone("ten_thousand_souls", "Ten Thousand Souls", "Ten thousand souls gathered at once.", 10000),
	concurrentMilestone("hundred_thousand_souls", "A Hundred Thousand Souls", "One hundred thousand souls gathered at once.", 100000),
	concurrentMilestone("million_souls", "A Million Souls", "One million souls gathered at once.", 1000000),
	timeMilestone("first_minute", "The First Minute", "A minute of shared presence, summed across every soul.", 60),
	timeMilestone("first_hour", "The First Hour", "An hour of shared presence.", 3600),
	timeMilestone("first_day", "The First Day", "A day of shared presence.", 86400),
	timeMilestone("first_week", "The First Week", "A week of shared presence.", 604800),
	timeMilestone("first_month", "The First Month", "A month of shared presence.", 2592000),
	timeMilestone("first_year", "The First Year", "A year of shared presence.", 31536000),
	timeMilestone("first_century", "The First Century", "A century of shared presence.", 3153600000),
	timeMilestone("first_millennium", "The First Millennium", "A millennium of shared presence.", 31536000000),
	{
		Milestone: Milestone{
			ID:          "sustained_gathering",
			Name:        "Sustained Gathering",
			Description: "A thousand souls present while an hour of shared presence has accumulated.",
			Type:        MilestoneTypeCompound,
		},
		unlocked: func(snap Snapshot, _ int64) bool {
			return snap.ConcurrentConnections >= 1000 && snap.TotalConnectionSeconds >= 3600
		},
	},
	{
		Milestone: Milestone{
			ID:          "new_heights",
			Name:        "New Heights",
			Description: "The gathering grows past a height it had never reached before.",
			Type:        MilestoneTypeCompound,
		},
		unlocked: func(snap Snapshot, prevPeak int64) bool {
			for _, t := range significantPeaks {
				if snap.ConcurrentConnections >= t && prevPeak < t {
					return true
				}
			}
			return false
		},
	},
}

// Catalog returns the compiled milestone records in declaration order.
func Catalog() []Milestone {
	out := make([]Milestone, len(milestoneCatalog))
	for i, def := range milestoneCatalog {
		out[i] = def.Milestone
	}
	return out
}

// MilestoneByID looks up a catalog record.
func MilestoneByID(id string) (Milestone, bool) {
	for _, def := range milestoneCatalog {
		if def.ID == id {
			return def.Milestone, true
		}
	}
	return Milestone{}, false
}

// UnlockedRecords maps unlocked ids from the store onto catalog records,
// preserving catalog order and ignoring ids no longer compiled in.
func UnlockedRecords(ids []string) []Milestone {
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	out := make([]Milestone, 0, len(ids))
	for _, def := range milestoneCatalog {
		if _, ok := present[def.ID]; ok {
			out = append(out, def.Milestone)
		}
	}
	return out
}

// MilestoneStore is the store surface the engine needs.
type MilestoneStore interface {
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetAdd(ctx context.Context, key, member string) (bool, error)
	Pipelined(ctx context.Context, fn func(store.Pipeline)) error
}

const peakHistoryRetention = 7 * 24 * time.Hour

// MilestoneEngine evaluates the catalog against state snapshots, records
// unlocks exactly-once in the global set, and fans out unlock events.
type MilestoneEngine struct {
	store  MilestoneStore
	hub    *Hub
	logger zerolog.Logger
	clock  func() time.Time
}

// NewMilestoneEngine wires the engine. clock may be nil for wall time.
func NewMilestoneEngine(st MilestoneStore, hub *Hub, logger zerolog.Logger, clock func() time.Time) *MilestoneEngine {
	if clock == nil {
		clock = time.Now
	}
	return &MilestoneEngine{store: st, hub: hub, logger: logger, clock: clock}
}

// Evaluate runs one pass over the catalog for the given snapshot. It also
// raises the stored peak (with history) when the live count exceeds it.
// Store failures skip the affected step; the next tick retries. The returned
// snapshot carries the effective peak for broadcasting.
func (e *MilestoneEngine) Evaluate(ctx context.Context, snap Snapshot) Snapshot {
	prevPeak, _, err := e.store.GetInt(ctx, KeyPeakConnections)
	if err != nil {
		e.logger.Warn().Err(err).Msg("skipping milestone evaluation: peak unavailable")
		return snap
	}
	snap.PeakConnections = prevPeak

	if snap.ConcurrentConnections > prevPeak {
		if err := e.recordPeak(ctx, snap.ConcurrentConnections); err != nil {
			e.logger.Warn().Err(err).Msg("failed to record new peak")
		} else {
			snap.PeakConnections = snap.ConcurrentConnections
		}
	}

	unlockedIDs, err := e.store.SetMembers(ctx, KeyUnlockedMilestones)
	if err != nil {
		e.logger.Warn().Err(err).Msg("skipping milestone evaluation: unlocked set unavailable")
		return snap
	}
	already := make(map[string]struct{}, len(unlockedIDs))
	for _, id := range unlockedIDs {
		already[id] = struct{}{}
	}

	for _, def := range milestoneCatalog {
		if _, ok := already[def.ID]; ok {
			continue
		}
		if !def.unlocked(snap, prevPeak) {
			continue
		}

		added, err := e.store.SetAdd(ctx, KeyUnlockedMilestones, def.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("milestone", def.ID).Msg("failed to record milestone unlock")
			continue
		}
		if !added {
			// Another node won the race; it owns the broadcast.
			continue
		}

		e.logger.Info().Str("milestone", def.ID).
			Int64("concurrent", snap.ConcurrentConnections).
			Int64("totalSeconds", snap.TotalConnectionSeconds).
			Msg("milestone unlocked")
		e.hub.Broadcast(ctx, mustMarshal(NewEvolutionEvent(def.Milestone)), true)
	}

	return snap
}

func (e *MilestoneEngine) recordPeak(ctx context.Context, peak int64) error {
	now := e.clock()
	second := now.Unix()
	cutoff := now.Add(-peakHistoryRetention).Unix()
	return e.store.Pipelined(ctx, func(p store.Pipeline) {
		p.Set(KeyPeakConnections, fmt.Sprintf("%d", peak))
		p.SortedAdd(KeyPeakHistory, float64(second), fmt.Sprintf("%d:%d", second, peak))
		p.SortedRemoveByScore(KeyPeakHistory, 0, float64(cutoff))
	})
}
