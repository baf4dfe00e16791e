package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/erauner12/whoopsync-api/internal/auth"
	"github.com/erauner12/whoopsync-api/internal/models"
)

const (
	defaultDataLimit = 25
	maxDataLimit     = 200
)

type dataMetadata struct {
	Source       string     `json:"source"`
	RecordCount  int        `json:"record_count"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	Warning      string     `json:"warning,omitempty"`
}

type dataResp struct {
	Status   string       `json:"status"`
	Data     any          `json:"data"`
	Metadata dataMetadata `json:"metadata"`
}

// GetData handles GET /data/{type}?limit=N&force_refresh=bool (§6.1).
func (s *Server) GetData(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	dataType := models.DataType(chi.URLParam(r, "type"))
	if !dataType.Valid() {
		writeBadRequest(w, r, "type must be one of recovery, sleep, cycle, workout")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), defaultDataLimit, maxDataLimit)
	forceRefresh := parseBool(r.URL.Query().Get("force_refresh"))

	result, err := s.Sync.ServeByType(r.Context(), userID, dataType, limit, forceRefresh)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dataResp{
		Status: "ok",
		Data:   result.Data,
		Metadata: dataMetadata{
			Source:      result.Source,
			RecordCount: recordCount(result.Data),
			LastSyncAt:  nonZeroTime(result.LastSyncAt),
			Warning:     result.Warning,
		},
	})
}

func recordCount(data any) int {
	switch v := data.(type) {
	case []models.RecoveryRecord:
		return len(v)
	case []models.SleepRecord:
		return len(v)
	case []models.WorkoutRecord:
		return len(v)
	case []models.CycleRecord:
		return len(v)
	default:
		return 0
	}
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
