package syncengine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/models"
)

// ReadResult is the outcome of a read-path request: the rows plus the
// provenance metadata clients need to render §6.1's `source`/`warning`
// fields.
type ReadResult struct {
	Data       any
	Source     string // "cache" | "whoop_api" | "stale_cache"
	LastSyncAt time.Time
	Warning    string
}

// ServeByType returns recent records of one data type, syncing first if the
// cached copy is stale (or force_refresh is set). On a sync failure with a
// non-empty cache, it falls back to stale data with a warning rather than
// failing the request outright (§4.F "read path with stale-cache fallback").
func (e *Engine) ServeByType(ctx context.Context, userID string, dataType models.DataType, limit int, forceRefresh bool) (ReadResult, error) {
	now := time.Now().UTC()
	entry, err := e.repo.GetSyncEntry(ctx, userID, dataType)
	if err != nil {
		return ReadResult{}, err
	}

	needsSync := forceRefresh || entry.NeedsSync(now, e.thresholds.forType(dataType))
	if !needsSync {
		data, err := e.repo.ReadRecent(ctx, userID, dataType, limit)
		if err != nil {
			return ReadResult{}, err
		}
		return ReadResult{Data: data, Source: "cache", LastSyncAt: entry.LastSyncAt}, nil
	}

	outcome, syncErr := e.syncOne(ctx, userID, dataType, nil)
	if syncErr != nil {
		if forceRefresh {
			return ReadResult{}, syncErr
		}
		data, readErr := e.repo.ReadRecent(ctx, userID, dataType, limit)
		if readErr != nil || isEmpty(data) {
			return ReadResult{}, syncErr
		}
		log.Ctx(ctx).Warn().Err(syncErr).Str("user_id", userID).Str("data_type", string(dataType)).
			Msg("serving stale cache after sync failure")
		lastSync := time.Time{}
		if entry != nil {
			lastSync = entry.LastSyncAt
		}
		return ReadResult{Data: data, Source: "stale_cache", LastSyncAt: lastSync, Warning: syncErr.Error()}, nil
	}

	data, err := e.repo.ReadRecent(ctx, userID, dataType, limit)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Data: data, Source: "whoop_api", LastSyncAt: now, Warning: warningFor(outcome)}, nil
}

// DailySummary combines all four data types for one calendar date, per
// §6.1 GET /daily/{date}.
type DailySummary struct {
	Date       time.Time
	Recovery   []models.RecoveryRecord
	Sleep      []models.SleepRecord
	Workouts   []models.WorkoutRecord
	Cycle      []models.CycleRecord
	LastSync   time.Time
	DataSource string
}

// ServeDaily runs the same freshness-then-read logic as ServeByType,
// independently per data type, and assembles the combined daily view.
func (e *Engine) ServeDaily(ctx context.Context, userID string, date time.Time) (DailySummary, error) {
	summary := DailySummary{Date: date, DataSource: "database"}
	anyFromUpstream := false
	var latestSync time.Time

	for _, dt := range models.AllDataTypes {
		now := time.Now().UTC()
		entry, err := e.repo.GetSyncEntry(ctx, userID, dt)
		if err != nil {
			return DailySummary{}, err
		}

		if entry.NeedsSync(now, e.thresholds.forType(dt)) {
			if _, syncErr := e.syncOne(ctx, userID, dt, nil); syncErr != nil {
				log.Ctx(ctx).Warn().Err(syncErr).Str("user_id", userID).Str("data_type", string(dt)).
					Msg("daily summary: sync failed, falling back to cache for this type")
			} else {
				anyFromUpstream = true
			}
		}

		data, err := e.repo.ReadDaily(ctx, userID, dt, date)
		if err != nil {
			return DailySummary{}, err
		}

		if refreshed, rerr := e.repo.GetSyncEntry(ctx, userID, dt); rerr == nil && refreshed != nil {
			if refreshed.LastSyncAt.After(latestSync) {
				latestSync = refreshed.LastSyncAt
			}
		}

		switch dt {
		case models.DataTypeRecovery:
			summary.Recovery, _ = data.([]models.RecoveryRecord)
		case models.DataTypeSleep:
			summary.Sleep, _ = data.([]models.SleepRecord)
		case models.DataTypeWorkout:
			summary.Workouts, _ = data.([]models.WorkoutRecord)
		case models.DataTypeCycle:
			summary.Cycle, _ = data.([]models.CycleRecord)
		}
	}

	summary.LastSync = latestSync
	if anyFromUpstream {
		summary.DataSource = "whoop_api"
	}
	return summary, nil
}

func warningFor(outcome SyncOutcome) string {
	if outcome.Status == models.SyncStatusPartial {
		return outcome.ErrorMessage
	}
	return ""
}

func isEmpty(data any) bool {
	switch v := data.(type) {
	case []models.RecoveryRecord:
		return len(v) == 0
	case []models.SleepRecord:
		return len(v) == 0
	case []models.WorkoutRecord:
		return len(v) == 0
	case []models.CycleRecord:
		return len(v) == 0
	default:
		return true
	}
}
