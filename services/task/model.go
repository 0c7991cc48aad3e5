package task

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is the execution record of one background task. A task type and key pair
// that already succeeded is not run again, even when asynq redelivers it.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey"`
	TaskType    string         `gorm:"column:task_type;size:100;not null;uniqueIndex:idx_task_job_key,priority:1"`
	UniqueKey   string         `gorm:"column:unique_key;size:191;not null;uniqueIndex:idx_task_job_key,priority:2"`
	Status      JobStatus      `gorm:"column:status;size:20;not null"`
	Attempts    int            `gorm:"column:attempts;not null"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
}

func (Job) TableName() string { return "task_jobs" }

// Message is one outbound notification. Channel is "email", "sms" or "user".
type Message struct {
	Channel string
	To      string
	Subject string
	Body    string
}
