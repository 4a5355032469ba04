package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task or SubTask.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions enumerates every legal status edge. failed -> pending is
// the retry edge; it is only taken by an explicit retry, never automatically.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending},
}

// ValidTransition reports whether from -> to is a legal status edge.
func ValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MediaRef points at one uploaded source material in object storage.
type MediaRef struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // document | image | audio | video
}

// Task is the root unit of work: one end-to-end content-to-video request.
// Stage outputs (Analysis, Script, VideoURL) live on the row itself so a
// retry can resume from the failed stage without recomputing earlier stages.
type Task struct {
	ID              uuid.UUID  `json:"id"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	CurrentStage    *Stage     `json:"current_stage,omitempty"`
	MediaRefs       []MediaRef `json:"media_refs"`
	Style           string     `json:"style"`
	Analysis        *string    `json:"-"`
	Script          *string    `json:"-"`
	VideoURL        *string    `json:"video_url,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	BrokerJobID     *uuid.UUID `json:"-"`
	IsMultiVariant  bool       `json:"is_multi_variant"`
	VariantCount    int        `json:"variant_count"`
	PartialSuccess  bool       `json:"partial_success,omitempty"`
	CancelRequested bool       `json:"-"`
	Version         int64      `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// SubTask is one independently rendered video variant belonging to a
// multi-variant Task. It runs only the video_generation stage; the earlier
// stages are shared, already-completed work on the parent.
type SubTask struct {
	ID              uuid.UUID  `json:"id"`
	ParentTaskID    uuid.UUID  `json:"parent_task_id"`
	VariantStyle    string     `json:"variant_style"`
	Status          Status     `json:"status"`
	Progress        int        `json:"progress"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	VideoURL        *string    `json:"video_url,omitempty"`
	BrokerJobID     *uuid.UUID `json:"-"`
	CancelRequested bool       `json:"-"`
	Version         int64      `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
