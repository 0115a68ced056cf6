package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/timmy/ledgerlink/internal/domain"
)

// memStorage is an in-memory ObjectStorage.
type memStorage struct {
	objects      map[string][]byte
	contentTypes map[string]string
	uploadErr    error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (m *memStorage) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	m.contentTypes[key] = contentType
	return nil
}

func (m *memStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func TestJobArchiver_WritesJSONLines(t *testing.T) {
	store := newMemStorage()
	a := NewJobArchiver(store, "sync-jobs")
	jobs := []domain.SyncJob{
		{ID: "j1", ItemID: "item-1", JobType: domain.JobTypeIncrementalSync, Status: domain.JobStatusCompleted},
		{ID: "j2", ItemID: "item-1", JobType: domain.JobTypeFullRefresh, Status: domain.JobStatusFailed, LastError: "boom"},
	}

	key, err := a.Archive(context.Background(), jobs, t0)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !strings.HasPrefix(key, "sync-jobs/2024/01/15/sync-jobs-") || !strings.HasSuffix(key, "-j1.jsonl") {
		t.Errorf("unexpected key %q", key)
	}
	if store.contentTypes[key] != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", store.contentTypes[key])
	}

	rc, err := store.Download(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var got []domain.SyncJob
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var j domain.SyncJob
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil {
			t.Fatalf("line %d: %v", len(got)+1, err)
		}
		got = append(got, j)
	}
	if len(got) != 2 || got[0].ID != "j1" || got[1].LastError != "boom" {
		t.Errorf("unexpected archived jobs %+v", got)
	}
}

func TestJobArchiver_EmptyAndFailure(t *testing.T) {
	store := newMemStorage()
	a := NewJobArchiver(store, "sync-jobs")

	key, err := a.Archive(context.Background(), nil, t0)
	if err != nil || key != "" || len(store.objects) != 0 {
		t.Errorf("expected no object for an empty batch, got key=%q err=%v", key, err)
	}

	store.uploadErr = errors.New("access denied")
	if _, err := a.Archive(context.Background(), []domain.SyncJob{{ID: "j1"}}, t0); err == nil {
		t.Error("expected upload failure to surface")
	}
}

func TestScheduler_PruneArchivesToStorage(t *testing.T) {
	f := newFixture(t)
	f.seedItem(t, "item-1", domain.ItemStatusActive)
	old := t0.AddDate(0, 0, -30)
	for i := 0; i < 3; i++ {
		f.seedJob(t, func(j *domain.SyncJob) {
			j.Status, j.CompletedAt = domain.JobStatusCancelled, &old
		})
	}
	store := newMemStorage()
	s := newTestScheduler(f, &fakeExecutor{}, NewJobArchiver(store, "archive"))

	n, err := s.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 3 || len(store.objects) != 1 {
		t.Errorf("expected 3 jobs in one object, got n=%d objects=%d", n, len(store.objects))
	}
	if f.countJobs(t) != 0 {
		t.Error("expected pruned jobs deleted")
	}
}
