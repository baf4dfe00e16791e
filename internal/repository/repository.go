// Package repository is the idempotent upsert-and-read layer (component E).
// Every write is a per-record upsert keyed by the upstream primary key,
// matching the teacher's per-item push pattern
// (internal/service/syncservice in the teacher repo) adapted from a
// client-driven LWW sync protocol to a single-writer (the Sync
// Orchestrator) ingestion pipeline: no client version/clock is involved,
// only "does this primary key already exist".
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/apperr"
	"github.com/erauner12/whoopsync-api/internal/models"
)

type Repository struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Repository {
	return &Repository{DB: db}
}

// UpsertFailure records one record's upstream id alongside why its upsert
// failed, per §4.E's "partial success is acceptable and MUST be reported".
type UpsertFailure struct {
	ID    string
	Error string
}

type UpsertResult struct {
	Succeeded int
	Failures  []UpsertFailure
}

// UpsertRecords persists a batch of already-normalized records of one data
// type for one user. Each record's upsert is its own transaction (§5: "No
// cross-request transactions"), so one bad record cannot roll back its
// siblings.
func (r *Repository) UpsertRecords(ctx context.Context, dataType models.DataType, records any) (UpsertResult, error) {
	var result UpsertResult

	switch dataType {
	case models.DataTypeRecovery:
		recs, ok := records.([]models.RecoveryRecord)
		if !ok {
			return result, apperr.New(apperr.CodeInternal, "type mismatch for recovery upsert")
		}
		for _, rec := range recs {
			if err := r.upsertRecovery(ctx, rec); err != nil {
				result.Failures = append(result.Failures, UpsertFailure{ID: rec.ID, Error: err.Error()})
				continue
			}
			result.Succeeded++
		}
	case models.DataTypeSleep:
		recs, ok := records.([]models.SleepRecord)
		if !ok {
			return result, apperr.New(apperr.CodeInternal, "type mismatch for sleep upsert")
		}
		for _, rec := range recs {
			if err := r.upsertSleep(ctx, rec); err != nil {
				result.Failures = append(result.Failures, UpsertFailure{ID: rec.ID, Error: err.Error()})
				continue
			}
			result.Succeeded++
		}
	case models.DataTypeWorkout:
		recs, ok := records.([]models.WorkoutRecord)
		if !ok {
			return result, apperr.New(apperr.CodeInternal, "type mismatch for workout upsert")
		}
		for _, rec := range recs {
			if err := r.upsertWorkout(ctx, rec); err != nil {
				result.Failures = append(result.Failures, UpsertFailure{ID: rec.ID, Error: err.Error()})
				continue
			}
			result.Succeeded++
		}
	case models.DataTypeCycle:
		recs, ok := records.([]models.CycleRecord)
		if !ok {
			return result, apperr.New(apperr.CodeInternal, "type mismatch for cycle upsert")
		}
		for _, rec := range recs {
			if err := r.upsertCycle(ctx, rec); err != nil {
				result.Failures = append(result.Failures, UpsertFailure{ID: rec.ID, Error: err.Error()})
				continue
			}
			result.Succeeded++
		}
	default:
		return result, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("unknown data type %q", dataType))
	}

	return result, nil
}

func (r *Repository) upsertRecovery(ctx context.Context, rec models.RecoveryRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO recovery_record (id, user_id, cycle_id, recovery_score, hrv_milli, resting_heart_rate,
			spo2_percentage, skin_temp_celsius, created_at, raw, fetched_at, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (id) DO UPDATE SET
			cycle_id = EXCLUDED.cycle_id,
			recovery_score = EXCLUDED.recovery_score,
			hrv_milli = EXCLUDED.hrv_milli,
			resting_heart_rate = EXCLUDED.resting_heart_rate,
			spo2_percentage = EXCLUDED.spo2_percentage,
			skin_temp_celsius = EXCLUDED.skin_temp_celsius,
			raw = EXCLUDED.raw,
			fetched_at = EXCLUDED.fetched_at,
			synced_at = now()
	`, rec.ID, rec.UserID, rec.CycleID, rec.RecoveryScore, rec.HRVMilli, rec.RestingHeartRate,
		rec.SpO2Percentage, rec.SkinTempCelsius, rec.CreatedAt, rec.Raw, rec.FetchedAt)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("id", rec.ID).Msg("upsert recovery_record failed")
		return apperr.Wrap(apperr.CodeRepository, "upsert recovery record", err)
	}
	return nil
}

func (r *Repository) upsertSleep(ctx context.Context, rec models.SleepRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sleep_record (id, user_id, cycle_id, total_sleep_time_ms, rem_sleep_ms, slow_wave_sleep_ms,
			light_sleep_ms, awake_ms, sleep_performance_pct, sleep_consistency_pct, sleep_efficiency_pct,
			start_time, end_time, raw, fetched_at, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())
		ON CONFLICT (id) DO UPDATE SET
			cycle_id = EXCLUDED.cycle_id,
			total_sleep_time_ms = EXCLUDED.total_sleep_time_ms,
			rem_sleep_ms = EXCLUDED.rem_sleep_ms,
			slow_wave_sleep_ms = EXCLUDED.slow_wave_sleep_ms,
			light_sleep_ms = EXCLUDED.light_sleep_ms,
			awake_ms = EXCLUDED.awake_ms,
			sleep_performance_pct = EXCLUDED.sleep_performance_pct,
			sleep_consistency_pct = EXCLUDED.sleep_consistency_pct,
			sleep_efficiency_pct = EXCLUDED.sleep_efficiency_pct,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			raw = EXCLUDED.raw,
			fetched_at = EXCLUDED.fetched_at,
			synced_at = now()
	`, rec.ID, rec.UserID, rec.CycleID, rec.TotalSleepTimeMs, rec.RemSleepMs, rec.SlowWaveSleepMs,
		rec.LightSleepMs, rec.AwakeMs, rec.SleepPerformancePct, rec.SleepConsistencyPct, rec.SleepEfficiencyPct,
		rec.StartTime, rec.EndTime, rec.Raw, rec.FetchedAt)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("id", rec.ID).Msg("upsert sleep_record failed")
		return apperr.Wrap(apperr.CodeRepository, "upsert sleep record", err)
	}
	return nil
}

func (r *Repository) upsertWorkout(ctx context.Context, rec models.WorkoutRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO workout_record (id, user_id, strain_score, average_heart_rate, max_heart_rate,
			kilojoules_burned, distance_meters, sport_id, sport_name, start_time, end_time, duration_ms,
			raw, fetched_at, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14, now())
		ON CONFLICT (id) DO UPDATE SET
			strain_score = EXCLUDED.strain_score,
			average_heart_rate = EXCLUDED.average_heart_rate,
			max_heart_rate = EXCLUDED.max_heart_rate,
			kilojoules_burned = EXCLUDED.kilojoules_burned,
			distance_meters = EXCLUDED.distance_meters,
			sport_id = EXCLUDED.sport_id,
			sport_name = EXCLUDED.sport_name,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms,
			raw = EXCLUDED.raw,
			fetched_at = EXCLUDED.fetched_at,
			synced_at = now()
	`, rec.ID, rec.UserID, rec.StrainScore, rec.AverageHeartRate, rec.MaxHeartRate,
		rec.KilojoulesBurned, rec.DistanceMeters, rec.SportID, rec.SportName, rec.StartTime, rec.EndTime,
		rec.DurationMs, rec.Raw, rec.FetchedAt)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("id", rec.ID).Msg("upsert workout_record failed")
		return apperr.Wrap(apperr.CodeRepository, "upsert workout record", err)
	}
	return nil
}

func (r *Repository) upsertCycle(ctx context.Context, rec models.CycleRecord) error {
	var endTime any
	if !rec.EndTime.IsZero() {
		endTime = rec.EndTime
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO cycle_record (id, user_id, day_strain, calories_burned, average_heart_rate, max_heart_rate,
			start_time, end_time, raw, fetched_at, synced_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now())
		ON CONFLICT (id) DO UPDATE SET
			day_strain = EXCLUDED.day_strain,
			calories_burned = EXCLUDED.calories_burned,
			average_heart_rate = EXCLUDED.average_heart_rate,
			max_heart_rate = EXCLUDED.max_heart_rate,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			raw = EXCLUDED.raw,
			fetched_at = EXCLUDED.fetched_at,
			synced_at = now()
	`, rec.ID, rec.UserID, rec.DayStrain, rec.CaloriesBurned, rec.AverageHeartRate, rec.MaxHeartRate,
		rec.StartTime, endTime, rec.Raw, rec.FetchedAt)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("id", rec.ID).Msg("upsert cycle_record failed")
		return apperr.Wrap(apperr.CodeRepository, "upsert cycle record", err)
	}
	return nil
}

// ReadRecent returns the most-recent N records of dataType for userID,
// most-recent first, ordered by each type's canonical timestamp per §4.E.
func (r *Repository) ReadRecent(ctx context.Context, userID string, dataType models.DataType, limit int) (any, error) {
	switch dataType {
	case models.DataTypeRecovery:
		return r.queryRecovery(ctx, `SELECT id, user_id, cycle_id, recovery_score, hrv_milli, resting_heart_rate,
			spo2_percentage, skin_temp_celsius, created_at, raw, fetched_at, synced_at
			FROM recovery_record WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	case models.DataTypeSleep:
		return r.querySleep(ctx, `SELECT id, user_id, cycle_id, total_sleep_time_ms, rem_sleep_ms, slow_wave_sleep_ms,
			light_sleep_ms, awake_ms, sleep_performance_pct, sleep_consistency_pct, sleep_efficiency_pct,
			start_time, end_time, raw, fetched_at, synced_at
			FROM sleep_record WHERE user_id = $1 ORDER BY end_time DESC LIMIT $2`, userID, limit)
	case models.DataTypeWorkout:
		return r.queryWorkout(ctx, `SELECT id, user_id, strain_score, average_heart_rate, max_heart_rate,
			kilojoules_burned, distance_meters, sport_id, sport_name, start_time, end_time, duration_ms,
			raw, fetched_at, synced_at
			FROM workout_record WHERE user_id = $1 ORDER BY start_time DESC LIMIT $2`, userID, limit)
	case models.DataTypeCycle:
		return r.queryCycle(ctx, `SELECT id, user_id, day_strain, calories_burned, average_heart_rate, max_heart_rate,
			start_time, end_time, raw, fetched_at, synced_at
			FROM cycle_record WHERE user_id = $1 ORDER BY start_time DESC LIMIT $2`, userID, limit)
	default:
		return nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("unknown data type %q", dataType))
	}
}

// ReadDaily returns records whose canonical date falls on `date` (UTC) per
// §4.E's per-type bucketing column: recovery/cycle by created_at/start_time,
// sleep by end_time, workout by start_time.
func (r *Repository) ReadDaily(ctx context.Context, userID string, dataType models.DataType, date time.Time) (any, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	switch dataType {
	case models.DataTypeRecovery:
		return r.queryRecovery(ctx, `SELECT id, user_id, cycle_id, recovery_score, hrv_milli, resting_heart_rate,
			spo2_percentage, skin_temp_celsius, created_at, raw, fetched_at, synced_at
			FROM recovery_record WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
			ORDER BY created_at DESC`, userID, dayStart, dayEnd)
	case models.DataTypeSleep:
		return r.querySleep(ctx, `SELECT id, user_id, cycle_id, total_sleep_time_ms, rem_sleep_ms, slow_wave_sleep_ms,
			light_sleep_ms, awake_ms, sleep_performance_pct, sleep_consistency_pct, sleep_efficiency_pct,
			start_time, end_time, raw, fetched_at, synced_at
			FROM sleep_record WHERE user_id = $1 AND end_time >= $2 AND end_time < $3
			ORDER BY end_time DESC`, userID, dayStart, dayEnd)
	case models.DataTypeWorkout:
		return r.queryWorkout(ctx, `SELECT id, user_id, strain_score, average_heart_rate, max_heart_rate,
			kilojoules_burned, distance_meters, sport_id, sport_name, start_time, end_time, duration_ms,
			raw, fetched_at, synced_at
			FROM workout_record WHERE user_id = $1 AND start_time >= $2 AND start_time < $3
			ORDER BY start_time DESC`, userID, dayStart, dayEnd)
	case models.DataTypeCycle:
		return r.queryCycle(ctx, `SELECT id, user_id, day_strain, calories_burned, average_heart_rate, max_heart_rate,
			start_time, end_time, raw, fetched_at, synced_at
			FROM cycle_record WHERE user_id = $1 AND start_time >= $2 AND start_time < $3
			ORDER BY start_time DESC`, userID, dayStart, dayEnd)
	default:
		return nil, apperr.New(apperr.CodeInvalidInput, fmt.Sprintf("unknown data type %q", dataType))
	}
}

func (r *Repository) queryRecovery(ctx context.Context, sql string, args ...any) ([]models.RecoveryRecord, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, "query recovery_record", err)
	}
	defer rows.Close()

	var out []models.RecoveryRecord
	for rows.Next() {
		var rec models.RecoveryRecord
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.CycleID, &rec.RecoveryScore, &rec.HRVMilli,
			&rec.RestingHeartRate, &rec.SpO2Percentage, &rec.SkinTempCelsius, &rec.CreatedAt, &raw,
			&rec.FetchedAt, &rec.SyncedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeRepository, "scan recovery_record", err)
		}
		rec.Raw = raw
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) querySleep(ctx context.Context, sql string, args ...any) ([]models.SleepRecord, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, "query sleep_record", err)
	}
	defer rows.Close()

	var out []models.SleepRecord
	for rows.Next() {
		var rec models.SleepRecord
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.CycleID, &rec.TotalSleepTimeMs, &rec.RemSleepMs,
			&rec.SlowWaveSleepMs, &rec.LightSleepMs, &rec.AwakeMs, &rec.SleepPerformancePct,
			&rec.SleepConsistencyPct, &rec.SleepEfficiencyPct, &rec.StartTime, &rec.EndTime, &raw,
			&rec.FetchedAt, &rec.SyncedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeRepository, "scan sleep_record", err)
		}
		rec.Raw = raw
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) queryWorkout(ctx context.Context, sql string, args ...any) ([]models.WorkoutRecord, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, "query workout_record", err)
	}
	defer rows.Close()

	var out []models.WorkoutRecord
	for rows.Next() {
		var rec models.WorkoutRecord
		var raw []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.StrainScore, &rec.AverageHeartRate, &rec.MaxHeartRate,
			&rec.KilojoulesBurned, &rec.DistanceMeters, &rec.SportID, &rec.SportName, &rec.StartTime,
			&rec.EndTime, &rec.DurationMs, &raw, &rec.FetchedAt, &rec.SyncedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeRepository, "scan workout_record", err)
		}
		rec.Raw = raw
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) queryCycle(ctx context.Context, sql string, args ...any) ([]models.CycleRecord, error) {
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRepository, "query cycle_record", err)
	}
	defer rows.Close()

	var out []models.CycleRecord
	for rows.Next() {
		var rec models.CycleRecord
		var raw []byte
		var endTime *time.Time
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.DayStrain, &rec.CaloriesBurned, &rec.AverageHeartRate,
			&rec.MaxHeartRate, &rec.StartTime, &endTime, &raw, &rec.FetchedAt, &rec.SyncedAt); err != nil {
			return nil, apperr.Wrap(apperr.CodeRepository, "scan cycle_record", err)
		}
		if endTime != nil {
			rec.EndTime = *endTime
		}
		rec.Raw = raw
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetSyncEntry returns the sync log row for (userID, dataType), or nil if
// none exists yet.
func (r *Repository) GetSyncEntry(ctx context.Context, userID string, dataType models.DataType) (*models.SyncLogEntry, error) {
	var e models.SyncLogEntry
	e.UserID = userID
	e.DataType = dataType
	var errMsg *string

	err := r.DB.QueryRow(ctx, `
		SELECT last_sync_at, sync_status, records_synced, error_message
		FROM sync_log_entry WHERE user_id = $1 AND data_type = $2
	`, userID, dataType).Scan(&e.LastSyncAt, &e.SyncStatus, &e.RecordsSynced, &errMsg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.CodeRepository, "get sync log entry", err)
	}
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	return &e, nil
}

// UpdateSyncEntry upserts the sync log row on (userID, dataType), adding
// recordsSyncedDelta to the cumulative count and setting last_sync_at to
// now, per §4.E. last_sync_at is monotonically non-decreasing because it is
// always set to the current wall clock on every call.
func (r *Repository) UpdateSyncEntry(ctx context.Context, userID string, dataType models.DataType, recordsSyncedDelta int64, status models.SyncStatus, errMsg string) error {
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sync_log_entry (user_id, data_type, last_sync_at, sync_status, records_synced, error_message)
		VALUES ($1, $2, now(), $3, $4, $5)
		ON CONFLICT (user_id, data_type) DO UPDATE SET
			last_sync_at = now(),
			sync_status = EXCLUDED.sync_status,
			records_synced = sync_log_entry.records_synced + EXCLUDED.records_synced,
			error_message = EXCLUDED.error_message
	`, userID, dataType, status, recordsSyncedDelta, errArg)
	if err != nil {
		return apperr.Wrap(apperr.CodeRepository, "update sync log entry", err)
	}
	return nil
}
