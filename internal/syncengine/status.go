package syncengine

import (
	"context"
	"time"

	"github.com/erauner12/whoopsync-api/internal/models"
)

// StatusEntry reports one data type's sync state, per §6.1 GET /sync/status.
type StatusEntry struct {
	LastSyncAt    time.Time
	SyncStatus    models.SyncStatus
	RecordsSynced int64
	NeedsSync     bool
	ErrorMessage  string
}

// Status reports the current sync state for every data type, without
// triggering a sync.
func (e *Engine) Status(ctx context.Context, userID string) (map[models.DataType]StatusEntry, error) {
	now := time.Now().UTC()
	out := make(map[models.DataType]StatusEntry, len(models.AllDataTypes))

	for _, dt := range models.AllDataTypes {
		entry, err := e.repo.GetSyncEntry(ctx, userID, dt)
		if err != nil {
			return nil, err
		}

		se := StatusEntry{NeedsSync: entry.NeedsSync(now, e.thresholds.forType(dt))}
		if entry != nil {
			se.LastSyncAt = entry.LastSyncAt
			se.SyncStatus = entry.SyncStatus
			se.RecordsSynced = entry.RecordsSynced
			se.ErrorMessage = entry.ErrorMessage
		}
		out[dt] = se
	}

	return out, nil
}
