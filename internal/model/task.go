// internal/model/task.go
package model

type TaskKind string

const (
	TaskCampaignRun  TaskKind = "campaign_run"
	TaskAttemptRetry TaskKind = "attempt_retry"
)

// Task is a unit of deferred work handed to the queue.
type Task struct {
	Kind       TaskKind `json:"kind"`
	CampaignID int      `json:"campaign_id"`
	AttemptID  int      `json:"attempt_id,omitempty"`
}
