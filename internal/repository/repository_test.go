package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/whoopsync-api/internal/db"
	"github.com/erauner12/whoopsync-api/internal/models"
)

// getTestDB connects to a real Postgres instance for integration coverage
// of the upsert/read SQL; skipped entirely when no test database is wired
// up, matching the rest of this repo's integration tests.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	_, err = pool.Exec(context.Background(), `
		DELETE FROM sync_log_entry;
		DELETE FROM cycle_record;
		DELETE FROM workout_record;
		DELETE FROM sleep_record;
		DELETE FROM recovery_record;
		DELETE FROM oauth_pending;
		DELETE FROM whoop_link;
		DELETE FROM app_user;
	`)
	if err != nil {
		t.Fatalf("failed to clean test database: %v", err)
	}

	return pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO app_user (id, sub) VALUES ($1, $2)`, id, "sub-"+id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func TestUpsertRecords_RecoveryInsertThenUpdate(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()
	repo := New(pool)
	userID := seedUser(t, pool)
	ctx := context.Background()

	rec := models.RecoveryRecord{
		ID:               "sleep-abc",
		UserID:           userID,
		CycleID:          42,
		RecoveryScore:    77,
		HRVMilli:         45.2,
		RestingHeartRate: 58,
		SpO2Percentage:   97.5,
		SkinTempCelsius:  33.1,
		CreatedAt:        time.Now().UTC(),
		Raw:              []byte(`{"sleep_id":"sleep-abc"}`),
		FetchedAt:        time.Now().UTC(),
	}

	result, err := repo.UpsertRecords(ctx, models.DataTypeRecovery, []models.RecoveryRecord{rec})
	if err != nil {
		t.Fatalf("UpsertRecords() error = %v", err)
	}
	if result.Succeeded != 1 || len(result.Failures) != 0 {
		t.Fatalf("UpsertRecords() = %+v, want 1 success, 0 failures", result)
	}

	rec.RecoveryScore = 81
	result, err = repo.UpsertRecords(ctx, models.DataTypeRecovery, []models.RecoveryRecord{rec})
	if err != nil {
		t.Fatalf("UpsertRecords() (update) error = %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("UpsertRecords() (update) = %+v, want 1 success", result)
	}

	recent, err := repo.ReadRecent(ctx, userID, models.DataTypeRecovery, 10)
	if err != nil {
		t.Fatalf("ReadRecent() error = %v", err)
	}
	recs, ok := recent.([]models.RecoveryRecord)
	if !ok || len(recs) != 1 {
		t.Fatalf("ReadRecent() = %+v, want exactly 1 row (idempotent upsert)", recent)
	}
	if recs[0].RecoveryScore != 81 {
		t.Errorf("RecoveryScore = %v, want 81 (updated)", recs[0].RecoveryScore)
	}
}

func TestUpsertRecords_PartialFailureReportsBoth(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()
	repo := New(pool)
	userID := seedUser(t, pool)
	ctx := context.Background()

	good := models.RecoveryRecord{
		ID: "good-1", UserID: userID, CycleID: 1, RecoveryScore: 50,
		RestingHeartRate: 60, CreatedAt: time.Now().UTC(), Raw: []byte(`{}`), FetchedAt: time.Now().UTC(),
	}
	bad := models.RecoveryRecord{
		ID: "bad-1", UserID: "00000000-0000-0000-0000-000000000000", CycleID: 1, RecoveryScore: 50,
		RestingHeartRate: 60, CreatedAt: time.Now().UTC(), Raw: []byte(`{}`), FetchedAt: time.Now().UTC(),
	}

	result, err := repo.UpsertRecords(ctx, models.DataTypeRecovery, []models.RecoveryRecord{good, bad})
	if err != nil {
		t.Fatalf("UpsertRecords() error = %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", result.Succeeded)
	}
	if len(result.Failures) != 1 || result.Failures[0].ID != "bad-1" {
		t.Errorf("Failures = %+v, want one failure for bad-1", result.Failures)
	}
}

func TestReadDaily_BucketsByCanonicalTimestamp(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()
	repo := New(pool)
	userID := seedUser(t, pool)
	ctx := context.Background()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	inDay := day.Add(10 * time.Hour)
	nextDay := day.Add(26 * time.Hour)

	workouts := []models.WorkoutRecord{
		{ID: "w-in", UserID: userID, StrainScore: 10, AverageHeartRate: 140, MaxHeartRate: 170,
			KilojoulesBurned: 1000, DistanceMeters: 5000, SportID: 1, SportName: "run",
			StartTime: inDay, EndTime: inDay.Add(time.Hour), DurationMs: 3600000,
			Raw: []byte(`{}`), FetchedAt: time.Now().UTC()},
		{ID: "w-out", UserID: userID, StrainScore: 10, AverageHeartRate: 140, MaxHeartRate: 170,
			KilojoulesBurned: 1000, DistanceMeters: 5000, SportID: 1, SportName: "run",
			StartTime: nextDay, EndTime: nextDay.Add(time.Hour), DurationMs: 3600000,
			Raw: []byte(`{}`), FetchedAt: time.Now().UTC()},
	}
	if _, err := repo.UpsertRecords(ctx, models.DataTypeWorkout, workouts); err != nil {
		t.Fatalf("UpsertRecords() error = %v", err)
	}

	daily, err := repo.ReadDaily(ctx, userID, models.DataTypeWorkout, day)
	if err != nil {
		t.Fatalf("ReadDaily() error = %v", err)
	}
	recs, ok := daily.([]models.WorkoutRecord)
	if !ok || len(recs) != 1 || recs[0].ID != "w-in" {
		t.Fatalf("ReadDaily() = %+v, want exactly [w-in]", daily)
	}
}

func TestSyncEntry_UpsertAccumulatesRecordsSynced(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()
	repo := New(pool)
	userID := seedUser(t, pool)
	ctx := context.Background()

	if entry, err := repo.GetSyncEntry(ctx, userID, models.DataTypeSleep); err != nil {
		t.Fatalf("GetSyncEntry() error = %v", err)
	} else if entry != nil {
		t.Fatalf("GetSyncEntry() = %+v, want nil before first sync", entry)
	}

	if err := repo.UpdateSyncEntry(ctx, userID, models.DataTypeSleep, 5, models.SyncStatusSuccess, ""); err != nil {
		t.Fatalf("UpdateSyncEntry() error = %v", err)
	}
	if err := repo.UpdateSyncEntry(ctx, userID, models.DataTypeSleep, 3, models.SyncStatusSuccess, ""); err != nil {
		t.Fatalf("UpdateSyncEntry() (second) error = %v", err)
	}

	entry, err := repo.GetSyncEntry(ctx, userID, models.DataTypeSleep)
	if err != nil {
		t.Fatalf("GetSyncEntry() error = %v", err)
	}
	if entry == nil {
		t.Fatal("GetSyncEntry() = nil, want populated entry")
	}
	if entry.RecordsSynced != 8 {
		t.Errorf("RecordsSynced = %d, want 8 (cumulative)", entry.RecordsSynced)
	}
	if entry.SyncStatus != models.SyncStatusSuccess {
		t.Errorf("SyncStatus = %q, want success", entry.SyncStatus)
	}
}
