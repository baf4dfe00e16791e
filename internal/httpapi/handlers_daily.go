package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/erauner12/whoopsync-api/internal/auth"
	"github.com/erauner12/whoopsync-api/internal/models"
)

type dailyResp struct {
	Date       string                   `json:"date"`
	Recovery   []models.RecoveryRecord  `json:"recovery"`
	Sleep      []models.SleepRecord     `json:"sleep"`
	Workouts   []models.WorkoutRecord   `json:"workouts"`
	Cycle      []models.CycleRecord     `json:"cycle"`
	LastSync   *time.Time               `json:"last_sync,omitempty"`
	DataSource string                   `json:"data_source"`
}

// GetDaily handles GET /daily/{YYYY-MM-DD} (§6.1).
func (s *Server) GetDaily(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	dateStr := chi.URLParam(r, "date")
	date, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		writeBadRequest(w, r, "date must be formatted YYYY-MM-DD")
		return
	}

	summary, err := s.Sync.ServeDaily(r.Context(), userID, date)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	resp := dailyResp{
		Date:       dateStr,
		Recovery:   summary.Recovery,
		Sleep:      summary.Sleep,
		Workouts:   summary.Workouts,
		Cycle:      summary.Cycle,
		DataSource: summary.DataSource,
	}
	if !summary.LastSync.IsZero() {
		resp.LastSync = &summary.LastSync
	}

	writeJSON(w, http.StatusOK, resp)
}
