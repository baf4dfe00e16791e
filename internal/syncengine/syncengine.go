// Package syncengine is the Sync Orchestrator (component F): the decision
// logic binding the Upstream Client, Token Store, Normalizer, and
// Repository together. Every read and every explicit sync request funnels
// through here.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/whoopsync-api/internal/apperr"
	"github.com/erauner12/whoopsync-api/internal/models"
	"github.com/erauner12/whoopsync-api/internal/normalize"
	"github.com/erauner12/whoopsync-api/internal/repository"
	"github.com/erauner12/whoopsync-api/internal/whoopclient"
)

// workoutPageCap is the per-sync safety cap on workout records per §9's
// "a hard per-sync cap MAY be imposed for quota safety"; hitting it yields
// sync_status=partial rather than failing the sync.
const workoutPageCap = 200

// singlePageLimitCap bounds the one-shot page size for recovery, sleep, and
// cycle fetches (§4.F step 3).
const singlePageLimitCap = 25

type TokenProvider interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, resource whoopclient.Resource, accessToken string, tr whoopclient.TimeRange, pageCursor string, limit int) (whoopclient.Page, error)
}

// RepoPort narrows *repository.Repository to the methods this engine needs,
// so tests can substitute an in-memory fake instead of a live database.
type RepoPort interface {
	UpsertRecords(ctx context.Context, dataType models.DataType, records any) (repository.UpsertResult, error)
	ReadDaily(ctx context.Context, userID string, dataType models.DataType, date time.Time) (any, error)
	ReadRecent(ctx context.Context, userID string, dataType models.DataType, limit int) (any, error)
	GetSyncEntry(ctx context.Context, userID string, dataType models.DataType) (*models.SyncLogEntry, error)
	UpdateSyncEntry(ctx context.Context, userID string, dataType models.DataType, recordsSyncedDelta int64, status models.SyncStatus, errMsg string) error
}

// Thresholds holds the per-data-type freshness window (§4.F, §6.4).
type Thresholds struct {
	Recovery time.Duration
	Sleep    time.Duration
	Cycle    time.Duration
	Workout  time.Duration
}

func (t Thresholds) forType(dt models.DataType) time.Duration {
	switch dt {
	case models.DataTypeRecovery:
		return t.Recovery
	case models.DataTypeSleep:
		return t.Sleep
	case models.DataTypeCycle:
		return t.Cycle
	case models.DataTypeWorkout:
		return t.Workout
	default:
		return 2 * time.Hour
	}
}

type Engine struct {
	tokens       TokenProvider
	client       Fetcher
	repo         RepoPort
	thresholds   Thresholds
	backfillDays int
	syncLocks    singleflight.Group // keyed by userID+":"+dataType, per §5
}

func New(tokens TokenProvider, client Fetcher, repo RepoPort, thresholds Thresholds, backfillDays int) *Engine {
	if backfillDays <= 0 {
		backfillDays = 30
	}
	return &Engine{tokens: tokens, client: client, repo: repo, thresholds: thresholds, backfillDays: backfillDays}
}

func resourceFor(dt models.DataType) whoopclient.Resource {
	switch dt {
	case models.DataTypeRecovery:
		return whoopclient.ResourceRecovery
	case models.DataTypeSleep:
		return whoopclient.ResourceSleep
	case models.DataTypeWorkout:
		return whoopclient.ResourceWorkout
	case models.DataTypeCycle:
		return whoopclient.ResourceCycle
	default:
		return ""
	}
}

// SyncOutcome reports what one sync pass for one (user, data_type) did.
type SyncOutcome struct {
	DataType      models.DataType
	RecordsSynced int64
	Status        models.SyncStatus
	ErrorMessage  string
}

// Sync forces a sync of the requested types (defaults to all four) over
// the requested window (defaults to the freshness-driven window per type),
// returning per-type outcomes. Implements §6.1 POST /sync and §4.F `sync`.
func (e *Engine) Sync(ctx context.Context, userID string, types []models.DataType, tr *whoopclient.TimeRange) (map[models.DataType]SyncOutcome, error) {
	if len(types) == 0 {
		types = models.AllDataTypes
	}

	out := make(map[models.DataType]SyncOutcome, len(types))
	for _, dt := range types {
		outcome, err := e.syncOne(ctx, userID, dt, tr)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeNotConnected {
				// A dead link aborts every type identically; no point
				// looping further, but still report what we attempted.
				out[dt] = SyncOutcome{DataType: dt, Status: models.SyncStatusFailed, ErrorMessage: err.Error()}
				return out, err
			}
			out[dt] = SyncOutcome{DataType: dt, Status: models.SyncStatusFailed, ErrorMessage: err.Error()}
			continue // §4.F: a failure in one type does not abort others.
		}
		out[dt] = outcome
	}
	return out, nil
}

// syncOne serializes concurrent sync attempts for the same (user, data_type)
// behind a singleflight key, per §5.
func (e *Engine) syncOne(ctx context.Context, userID string, dataType models.DataType, tr *whoopclient.TimeRange) (SyncOutcome, error) {
	key := userID + ":" + string(dataType)
	v, err, _ := e.syncLocks.Do(key, func() (any, error) {
		return e.doSync(ctx, userID, dataType, tr)
	})
	if err != nil {
		return SyncOutcome{}, err
	}
	return v.(SyncOutcome), nil
}

func (e *Engine) doSync(ctx context.Context, userID string, dataType models.DataType, trOverride *whoopclient.TimeRange) (SyncOutcome, error) {
	token, err := e.tokens.GetValidToken(ctx, userID)
	if err != nil {
		return SyncOutcome{}, err
	}

	window, err := e.resolveWindow(ctx, userID, dataType, trOverride)
	if err != nil {
		return SyncOutcome{}, err
	}

	var (
		raws       []json.RawMessage
		fetchErr   error
		reachedCap bool
	)

	switch dataType {
	case models.DataTypeWorkout:
		raws, reachedCap, fetchErr = e.fetchAllPages(ctx, dataType, token, window)
	default:
		days := int(math.Ceil(window.End.Sub(window.Start).Hours() / 24))
		if days < 1 {
			days = 1
		}
		limit := days
		if limit > singlePageLimitCap {
			limit = singlePageLimitCap
		}
		raws, fetchErr = e.fetchSinglePage(ctx, dataType, token, window, limit)
	}

	if fetchErr != nil && len(raws) == 0 {
		_ = e.repo.UpdateSyncEntry(ctx, userID, dataType, 0, models.SyncStatusFailed, fetchErr.Error())
		return SyncOutcome{}, fetchErr
	}

	normalized, normErrs := e.normalizeAll(userID, dataType, raws)

	result, err := e.repo.UpsertRecords(ctx, dataType, normalized)
	if err != nil {
		_ = e.repo.UpdateSyncEntry(ctx, userID, dataType, 0, models.SyncStatusFailed, err.Error())
		return SyncOutcome{}, err
	}

	status := models.SyncStatusSuccess
	errMsg := ""
	if fetchErr != nil || reachedCap || normErrs > 0 || len(result.Failures) > 0 {
		status = models.SyncStatusPartial
	}
	if fetchErr != nil {
		errMsg = fetchErr.Error()
	} else if len(result.Failures) > 0 {
		errMsg = fmt.Sprintf("%d record(s) failed to persist", len(result.Failures))
	}

	if err := e.repo.UpdateSyncEntry(ctx, userID, dataType, int64(result.Succeeded), status, errMsg); err != nil {
		return SyncOutcome{}, err
	}

	log.Ctx(ctx).Info().
		Str("user_id", userID).
		Str("data_type", string(dataType)).
		Int("succeeded", result.Succeeded).
		Int("normalize_errors", normErrs).
		Str("status", string(status)).
		Msg("sync pass complete")

	return SyncOutcome{DataType: dataType, RecordsSynced: int64(result.Succeeded), Status: status, ErrorMessage: errMsg}, nil
}

func (e *Engine) resolveWindow(ctx context.Context, userID string, dataType models.DataType, override *whoopclient.TimeRange) (whoopclient.TimeRange, error) {
	if override != nil {
		return *override, nil
	}

	now := time.Now().UTC()
	entry, err := e.repo.GetSyncEntry(ctx, userID, dataType)
	if err != nil {
		return whoopclient.TimeRange{}, err
	}
	start := now.AddDate(0, 0, -e.backfillDays)
	if entry != nil {
		start = entry.LastSyncAt
	}
	return whoopclient.TimeRange{Start: start, End: now}, nil
}

func (e *Engine) fetchSinglePage(ctx context.Context, dataType models.DataType, token string, window whoopclient.TimeRange, limit int) ([]json.RawMessage, error) {
	page, err := e.client.Fetch(ctx, resourceFor(dataType), token, window, "", limit)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

// fetchAllPages paginates until the cursor is exhausted or workoutPageCap is
// reached, per §4.F step 3's workout-specific rule.
func (e *Engine) fetchAllPages(ctx context.Context, dataType models.DataType, token string, window whoopclient.TimeRange) ([]json.RawMessage, bool, error) {
	var raws []json.RawMessage
	cursor := ""
	for {
		page, err := e.client.Fetch(ctx, resourceFor(dataType), token, window, cursor, 25)
		if err != nil {
			return raws, false, err
		}
		for _, r := range page.Records {
			raws = append(raws, r)
			if len(raws) >= workoutPageCap {
				return raws, true, nil
			}
		}
		if page.NextToken == "" {
			return raws, false, nil
		}
		cursor = page.NextToken
	}
}

// normalizeAll converts raw records into a typed slice matching dataType,
// dropping (and counting) any that fail validation per §4.D.
func (e *Engine) normalizeAll(userID string, dataType models.DataType, raws []json.RawMessage) (any, int) {
	fetchedAt := time.Now().UTC()
	errs := 0

	switch dataType {
	case models.DataTypeRecovery:
		out := make([]models.RecoveryRecord, 0, len(raws))
		for _, r := range raws {
			rec, err := normalize.Recovery(userID, r, fetchedAt)
			if err != nil {
				errs++
				continue
			}
			out = append(out, rec)
		}
		return out, errs
	case models.DataTypeSleep:
		out := make([]models.SleepRecord, 0, len(raws))
		for _, r := range raws {
			rec, err := normalize.Sleep(userID, r, fetchedAt)
			if err != nil {
				errs++
				continue
			}
			out = append(out, rec)
		}
		return out, errs
	case models.DataTypeWorkout:
		out := make([]models.WorkoutRecord, 0, len(raws))
		for _, r := range raws {
			rec, err := normalize.Workout(userID, r, fetchedAt)
			if err != nil {
				errs++
				continue
			}
			out = append(out, rec)
		}
		return out, errs
	case models.DataTypeCycle:
		out := make([]models.CycleRecord, 0, len(raws))
		for _, r := range raws {
			rec, err := normalize.Cycle(userID, r, fetchedAt)
			if err != nil {
				errs++
				continue
			}
			out = append(out, rec)
		}
		return out, errs
	default:
		return nil, 0
	}
}
