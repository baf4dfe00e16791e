// Package models holds the domain record types persisted and served by the
// sync engine. Every record mirrors one of the entities in the data model:
// a per-user OAuth link, a transient PKCE handshake row, the four WHOOP
// data types, and the per-(user, data_type) sync log.
package models

import "time"

// DataType enumerates the four WHOOP resources the sync engine ingests.
type DataType string

const (
	DataTypeRecovery DataType = "recovery"
	DataTypeSleep    DataType = "sleep"
	DataTypeWorkout  DataType = "workout"
	DataTypeCycle    DataType = "cycle"
)

// AllDataTypes lists every supported data type, in a stable order used for
// "sync everything" requests and for response map ordering.
var AllDataTypes = []DataType{DataTypeRecovery, DataTypeSleep, DataTypeWorkout, DataTypeCycle}

func (d DataType) Valid() bool {
	switch d {
	case DataTypeRecovery, DataTypeSleep, DataTypeWorkout, DataTypeCycle:
		return true
	default:
		return false
	}
}

// WhoopLink is the per-user OAuth link to the upstream wearable API.
// Unique on UserID; soft-deleted via IsActive rather than removed, so the
// row remains for audit after a disconnect.
type WhoopLink struct {
	UserID         string
	WhoopUserID    string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Scopes         []string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OAuthPending is a short-lived row bridging the authorization-redirect and
// the callback. Consumed (select-and-delete) exactly once at /oauth/callback,
// or reaped once Expired.
type OAuthPending struct {
	UserID       string
	State        string
	CodeVerifier string
	RedirectURI  string
	Scopes       []string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (p OAuthPending) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// RecoveryRecord is keyed by the upstream sleep_id (see SPEC_FULL §Open
// Question decisions) rather than a dedicated recovery id.
type RecoveryRecord struct {
	ID                string // upstream sleep_id
	UserID            string
	CycleID           int64
	RecoveryScore     float64 // 0-100
	HRVMilli          float64 // non-negative ms
	RestingHeartRate  int     // positive bpm
	SpO2Percentage    float64 // 0-100
	SkinTempCelsius   float64
	CreatedAt         time.Time
	Raw               []byte
	FetchedAt         time.Time
	SyncedAt          time.Time
}

// SleepRecord is keyed by the upstream sleep uuid.
type SleepRecord struct {
	ID                   string
	UserID               string
	CycleID              int64
	TotalSleepTimeMs      int64
	RemSleepMs            int64
	SlowWaveSleepMs       int64
	LightSleepMs          int64
	AwakeMs               int64
	SleepPerformancePct   float64
	SleepConsistencyPct   float64
	SleepEfficiencyPct    float64
	StartTime             time.Time
	EndTime               time.Time
	Raw                   []byte
	FetchedAt             time.Time
	SyncedAt              time.Time
}

// WorkoutRecord is keyed by the upstream workout uuid.
type WorkoutRecord struct {
	ID               string
	UserID           string
	StrainScore      float64 // 0-21
	AverageHeartRate int
	MaxHeartRate     int
	KilojoulesBurned float64
	DistanceMeters   float64
	SportID          int
	SportName        string
	StartTime        time.Time
	EndTime          time.Time
	DurationMs       int64
	Raw              []byte
	FetchedAt        time.Time
	SyncedAt         time.Time
}

// CycleRecord is keyed by the upstream cycle id. EndTime is the zero value
// for an in-progress cycle.
type CycleRecord struct {
	ID               string
	UserID           string
	DayStrain        float64 // 0-21
	CaloriesBurned   float64
	AverageHeartRate int
	MaxHeartRate     int
	StartTime        time.Time
	EndTime          time.Time // zero value => in progress
	Raw              []byte
	FetchedAt        time.Time
	SyncedAt         time.Time
}

// SyncStatus is the outcome recorded against a SyncLogEntry.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncLogEntry is unique on (UserID, DataType) and governs freshness
// decisions in the Sync Orchestrator.
type SyncLogEntry struct {
	UserID        string
	DataType      DataType
	LastSyncAt    time.Time
	SyncStatus    SyncStatus
	RecordsSynced int64
	ErrorMessage  string
}

// NeedsSync reports whether the entry is stale relative to threshold at now,
// per §4.F's freshness decision: absent, failed, or past threshold.
func (e *SyncLogEntry) NeedsSync(now time.Time, threshold time.Duration) bool {
	if e == nil {
		return true
	}
	if e.SyncStatus == SyncStatusFailed {
		return true
	}
	return now.Sub(e.LastSyncAt) > threshold
}
