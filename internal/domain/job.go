package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobType identifies the kind of sync work a job performs.
type JobType string

const (
	JobTypeInitialSync      JobType = "initial_sync"
	JobTypeIncrementalSync  JobType = "incremental_sync"
	JobTypeFullRefresh      JobType = "full_refresh"
	JobTypeWebhookTriggered JobType = "webhook_triggered"
)

// JobStatus represents the status of a sync job.
// Transitions are pending -> running -> completed|failed; failed jobs with
// retry budget left are claimed again by the scheduler only.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// DedupeGroup returns the set of job types that are interchangeable for
// scheduling purposes. Any cursor-based sync satisfies a pending request for
// another cursor-based sync; full refreshes only dedupe against each other.
func (t JobType) DedupeGroup() []JobType {
	if t == JobTypeFullRefresh {
		return []JobType{JobTypeFullRefresh}
	}
	return []JobType{JobTypeInitialSync, JobTypeIncrementalSync, JobTypeWebhookTriggered}
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeInitialSync, JobTypeIncrementalSync, JobTypeFullRefresh, JobTypeWebhookTriggered:
		return true
	}
	return false
}

// SyncJob represents a unit of scheduled sync work for one aggregator item.
type SyncJob struct {
	ID             string         `gorm:"type:text;primaryKey" json:"id"`
	OrganizationID string         `gorm:"type:text;not null;index" json:"organization_id"`
	ItemID         string         `gorm:"type:text;not null;index:idx_sync_jobs_item_status" json:"item_id"`
	JobType        JobType        `gorm:"type:text;not null" json:"job_type"`
	Status         JobStatus      `gorm:"type:text;not null;default:pending;index:idx_sync_jobs_item_status;index:idx_sync_jobs_due" json:"status"`
	ScheduledAt    time.Time      `gorm:"not null;index:idx_sync_jobs_due" json:"scheduled_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"index" json:"completed_at,omitempty"`
	RetryCount     int            `gorm:"not null;default:0" json:"retry_count"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	Payload        datatypes.JSON `gorm:"type:text" json:"payload,omitempty"`
	Result         datatypes.JSON `gorm:"type:text" json:"result,omitempty"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	WebhookEventID *string        `gorm:"type:text;index" json:"webhook_event_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the database table name for SyncJob.
func (SyncJob) TableName() string {
	return "sync_jobs"
}

// IsTerminal reports whether the job will never run again.
func (j *SyncJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		return j.NextRetryAt == nil
	}
	return false
}

// JobPayload is the closed set of typed payloads a SyncJob can carry.
type JobPayload interface {
	isJobPayload()
}

// SyncPayload is carried by initial, incremental and webhook-triggered jobs.
type SyncPayload struct {
	Trigger         string `json:"trigger"`
	WebhookCode     string `json:"webhook_code,omitempty"`
	NewTransactions int    `json:"new_transactions,omitempty"`
}

// FullRefreshPayload is carried by full_refresh jobs.
type FullRefreshPayload struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (SyncPayload) isJobPayload()        {}
func (FullRefreshPayload) isJobPayload() {}

// SyncResult is persisted on a job after a successful run.
type SyncResult struct {
	Pages            int    `json:"pages"`
	Added            int    `json:"added"`
	Modified         int    `json:"modified"`
	Removed          int    `json:"removed"`
	MatchesSuggested int    `json:"matches_suggested"`
	Cursor           string `json:"cursor"`
}

// NewSyncJob builds a pending job for item scheduled at the given time.
func NewSyncJob(item *ExternalItem, jobType JobType, payload JobPayload, scheduledAt time.Time) (*SyncJob, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	if err := checkPayloadType(jobType, payload); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	return &SyncJob{
		ID:             uuid.New().String(),
		OrganizationID: item.OrganizationID,
		ItemID:         item.ID,
		JobType:        jobType,
		Status:         JobStatusPending,
		ScheduledAt:    scheduledAt,
		Payload:        datatypes.JSON(raw),
	}, nil
}

func checkPayloadType(jobType JobType, payload JobPayload) error {
	switch payload.(type) {
	case SyncPayload:
		if jobType != JobTypeFullRefresh {
			return nil
		}
	case FullRefreshPayload:
		if jobType == JobTypeFullRefresh {
			return nil
		}
	}
	return fmt.Errorf("payload %T does not belong to job type %s", payload, jobType)
}

// DecodePayload returns the typed payload for the job's type.
func (j *SyncJob) DecodePayload() (JobPayload, error) {
	switch j.JobType {
	case JobTypeInitialSync, JobTypeIncrementalSync, JobTypeWebhookTriggered:
		var p SyncPayload
		if err := decodeJSON(j.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case JobTypeFullRefresh:
		var p FullRefreshPayload
		if err := decodeJSON(j.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", j.JobType)
	}
}

func decodeJSON(raw datatypes.JSON, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}
