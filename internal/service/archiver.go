package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
	"github.com/timmy/ledgerlink/internal/storage"
)

// JobArchiver writes pruned sync jobs to object storage as JSON lines.
type JobArchiver struct {
	store  storage.ObjectStorage
	prefix string
}

// NewJobArchiver creates a new JobArchiver writing under prefix.
func NewJobArchiver(store storage.ObjectStorage, prefix string) *JobArchiver {
	return &JobArchiver{store: store, prefix: prefix}
}

// Archive uploads jobs as one object and returns its key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobs: terminal jobs about to be deleted.
//   - at: archive time, used to partition keys by day.
// Returns:
//   - string: object key written.
//   - error: non-nil if encoding or upload fails; callers must not delete.
func (a *JobArchiver) Archive(ctx context.Context, jobs []domain.SyncJob, at time.Time) (string, error) {
	if len(jobs) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range jobs {
		if err := enc.Encode(&jobs[i]); err != nil {
			return "", fmt.Errorf("failed to encode job %s: %w", jobs[i].ID, err)
		}
	}

	at = at.UTC()
	key := path.Join(a.prefix, at.Format("2006/01/02"),
		fmt.Sprintf("sync-jobs-%d-%s.jsonl", at.UnixNano(), jobs[0].ID))
	if err := a.store.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/x-ndjson"); err != nil {
		return "", err
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(jobs),
		logger.FieldSize:  buf.Len(),
	}).Info(ctx, "Archived sync jobs to %s", key)
	return key, nil
}
