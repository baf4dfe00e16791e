// Package normalize converts one raw upstream record into a typed domain
// record (component D). Records failing validation are dropped and counted,
// never propagated — a normalization error is purely internal bookkeeping
// per §4.D and §7.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erauner12/whoopsync-api/internal/models"
	"github.com/erauner12/whoopsync-api/internal/whoopclient"
)

// Result is the outcome of normalizing one page: a count of the records
// dropped for shape/range violations.
type Result struct {
	Errors int
}

// Recovery extracts a RecoveryRecord. Per §4.D's recovery-specific rule, the
// primary key is the upstream's sleep_id field (recovery has no id of its
// own), and the metric fields live under the nested score object.
func Recovery(userID string, raw json.RawMessage, fetchedAt time.Time) (models.RecoveryRecord, error) {
	var env whoopclient.RecoveryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.RecoveryRecord{}, fmt.Errorf("malformed recovery record: %w", err)
	}
	if env.SleepID == "" {
		return models.RecoveryRecord{}, fmt.Errorf("recovery record missing sleep_id")
	}
	createdAt, err := parseTime(env.CreatedAt)
	if err != nil {
		return models.RecoveryRecord{}, fmt.Errorf("recovery record %s: %w", env.SleepID, err)
	}

	score := env.Score
	if err := validateRange("recovery_score", score.RecoveryScore, 0, 100); err != nil {
		return models.RecoveryRecord{}, fmt.Errorf("recovery record %s: %w", env.SleepID, err)
	}
	if score.HRVRmssdMilli < 0 {
		return models.RecoveryRecord{}, fmt.Errorf("recovery record %s: hrv must be non-negative", env.SleepID)
	}
	if score.RestingHeartRate <= 0 {
		return models.RecoveryRecord{}, fmt.Errorf("recovery record %s: resting heart rate must be positive", env.SleepID)
	}
	if err := validateRange("spo2_percentage", score.SpO2Percentage, 0, 100); err != nil {
		return models.RecoveryRecord{}, fmt.Errorf("recovery record %s: %w", env.SleepID, err)
	}

	return models.RecoveryRecord{
		ID:               env.SleepID,
		UserID:           userID,
		CycleID:          env.CycleID,
		RecoveryScore:    score.RecoveryScore,
		HRVMilli:         score.HRVRmssdMilli,
		RestingHeartRate: coerceInt(score.RestingHeartRate),
		SpO2Percentage:   score.SpO2Percentage,
		SkinTempCelsius:  score.SkinTempCelsius,
		CreatedAt:        createdAt,
		Raw:              append([]byte(nil), raw...),
		FetchedAt:        fetchedAt,
	}, nil
}

// Sleep extracts a SleepRecord. Score fields live under the nested score
// object, same as Recovery and Workout.
func Sleep(userID string, raw json.RawMessage, fetchedAt time.Time) (models.SleepRecord, error) {
	var env whoopclient.SleepEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.SleepRecord{}, fmt.Errorf("malformed sleep record: %w", err)
	}
	if env.ID == "" {
		return models.SleepRecord{}, fmt.Errorf("sleep record missing id")
	}
	start, err := parseTime(env.Start)
	if err != nil {
		return models.SleepRecord{}, fmt.Errorf("sleep record %s: %w", env.ID, err)
	}
	end, err := parseTime(env.End)
	if err != nil {
		return models.SleepRecord{}, fmt.Errorf("sleep record %s: %w", env.ID, err)
	}
	if !end.After(start) {
		return models.SleepRecord{}, fmt.Errorf("sleep record %s: end_time must be after start_time", env.ID)
	}

	s := env.Score
	for _, pct := range []struct {
		name string
		v    float64
	}{
		{"sleep_performance_percentage", s.SleepPerformancePercentage},
		{"sleep_consistency_percentage", s.SleepConsistencyPercentage},
		{"sleep_efficiency_percentage", s.SleepEfficiencyPercentage},
	} {
		if err := validateRange(pct.name, pct.v, 0, 100); err != nil {
			return models.SleepRecord{}, fmt.Errorf("sleep record %s: %w", env.ID, err)
		}
	}

	return models.SleepRecord{
		ID:                  env.ID,
		UserID:              userID,
		CycleID:             env.CycleID,
		TotalSleepTimeMs:    s.StageSummary.TotalInBedTimeMilli - s.StageSummary.TotalAwakeTimeMilli,
		RemSleepMs:          s.StageSummary.TotalRemSleepTimeMilli,
		SlowWaveSleepMs:     s.StageSummary.TotalSlowWaveSleepTimeMilli,
		LightSleepMs:        s.StageSummary.TotalLightSleepTimeMilli,
		AwakeMs:             s.StageSummary.TotalAwakeTimeMilli,
		SleepPerformancePct: s.SleepPerformancePercentage,
		SleepConsistencyPct: s.SleepConsistencyPercentage,
		SleepEfficiencyPct:  s.SleepEfficiencyPercentage,
		StartTime:           start,
		EndTime:             end,
		Raw:                 append([]byte(nil), raw...),
		FetchedAt:           fetchedAt,
	}, nil
}

// Workout extracts a WorkoutRecord.
func Workout(userID string, raw json.RawMessage, fetchedAt time.Time) (models.WorkoutRecord, error) {
	var env whoopclient.WorkoutEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.WorkoutRecord{}, fmt.Errorf("malformed workout record: %w", err)
	}
	if env.ID == "" {
		return models.WorkoutRecord{}, fmt.Errorf("workout record missing id")
	}
	start, err := parseTime(env.Start)
	if err != nil {
		return models.WorkoutRecord{}, fmt.Errorf("workout record %s: %w", env.ID, err)
	}
	end, err := parseTime(env.End)
	if err != nil {
		return models.WorkoutRecord{}, fmt.Errorf("workout record %s: %w", env.ID, err)
	}
	if !end.After(start) {
		return models.WorkoutRecord{}, fmt.Errorf("workout record %s: end_time must be after start_time", env.ID)
	}

	s := env.Score
	if err := validateRange("strain", s.Strain, 0, 21); err != nil {
		return models.WorkoutRecord{}, fmt.Errorf("workout record %s: %w", env.ID, err)
	}
	if s.AverageHeartRate <= 0 || s.MaxHeartRate <= 0 {
		return models.WorkoutRecord{}, fmt.Errorf("workout record %s: heart rate must be positive", env.ID)
	}
	if s.Kilojoule < 0 || s.DistanceMeter < 0 {
		return models.WorkoutRecord{}, fmt.Errorf("workout record %s: calories/distance must be non-negative", env.ID)
	}

	return models.WorkoutRecord{
		ID:               env.ID,
		UserID:           userID,
		StrainScore:      s.Strain,
		AverageHeartRate: coerceInt(s.AverageHeartRate),
		MaxHeartRate:     coerceInt(s.MaxHeartRate),
		KilojoulesBurned: s.Kilojoule,
		DistanceMeters:   s.DistanceMeter,
		SportID:          env.SportID,
		SportName:        env.SportName,
		StartTime:        start,
		EndTime:          end,
		DurationMs:       end.Sub(start).Milliseconds(),
		Raw:              append([]byte(nil), raw...),
		FetchedAt:        fetchedAt,
	}, nil
}

// Cycle extracts a CycleRecord. Per §4.D's cycle-specific rule, End may be
// absent for the active (in-progress) cycle; the record is still accepted
// with a zero-value EndTime.
func Cycle(userID string, raw json.RawMessage, fetchedAt time.Time) (models.CycleRecord, error) {
	var env whoopclient.CycleEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.CycleRecord{}, fmt.Errorf("malformed cycle record: %w", err)
	}
	if env.ID == "" {
		return models.CycleRecord{}, fmt.Errorf("cycle record missing id")
	}
	start, err := parseTime(env.Start)
	if err != nil {
		return models.CycleRecord{}, fmt.Errorf("cycle record %s: %w", env.ID, err)
	}

	var end time.Time
	if env.End != nil && *env.End != "" {
		end, err = parseTime(*env.End)
		if err != nil {
			return models.CycleRecord{}, fmt.Errorf("cycle record %s: %w", env.ID, err)
		}
		if !end.After(start) {
			return models.CycleRecord{}, fmt.Errorf("cycle record %s: end_time must be after start_time", env.ID)
		}
	}

	s := env.Score
	if err := validateRange("strain", s.Strain, 0, 21); err != nil {
		return models.CycleRecord{}, fmt.Errorf("cycle record %s: %w", env.ID, err)
	}
	if s.KilojoulePerDay < 0 {
		return models.CycleRecord{}, fmt.Errorf("cycle record %s: calories must be non-negative", env.ID)
	}

	return models.CycleRecord{
		ID:               env.ID,
		UserID:           userID,
		DayStrain:        s.Strain,
		CaloriesBurned:   s.KilojoulePerDay,
		AverageHeartRate: coerceInt(s.AverageHeartRate),
		MaxHeartRate:     coerceInt(s.MaxHeartRate),
		StartTime:        start,
		EndTime:          end,
		Raw:              append([]byte(nil), raw...),
		FetchedAt:        fetchedAt,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func validateRange(field string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s out of range [%v, %v]: %v", field, lo, hi, v)
	}
	return nil
}

// coerceInt handles the upstream's habit of emitting decimals for
// integer-valued quantities (e.g. heart rate 70.0 -> 70), per §4.D.
func coerceInt(v float64) int {
	return int(v + 0.5)
}
