package domain

import "time"

// Status is the lifecycle state of a publish task. The scheduler only ever
// creates tasks as StatusPending; the upload worker owns every transition
// after that.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// PublishRequest is the caller-supplied payload for scheduling a video
// publish. VideoPath and Title are required; everything else is optional.
type PublishRequest struct {
	VideoPath   string
	Title       string
	Description string
	Tags        []string
	Platform    string
	AccountID   *int64
}

// Task is a persisted publish task with a computed publish time.
type Task struct {
	ID            int64
	VideoPath     string
	Title         string
	Description   string
	Tags          []string
	Platform      string
	AccountID     *int64
	ScheduledTime time.Time
	Status        Status
	LastError     string
	CreatedTime   time.Time
	UpdatedTime   time.Time
}

// Plan is a recurring publish plan: a cron expression plus a request
// template. Each fire schedules one task through the normal slot selection.
type Plan struct {
	ID          string
	Name        string
	CronExpr    string
	VideoPath   string
	Title       string
	Description string
	Tags        []string
	Platform    string
	AccountID   *int64
	Enabled     bool
	LastRun     *time.Time
	NextRun     time.Time
	CreatedTime time.Time
	UpdatedTime time.Time
}

// Request builds the publish request this plan submits on each fire.
func (p Plan) Request() PublishRequest {
	return PublishRequest{
		VideoPath:   p.VideoPath,
		Title:       p.Title,
		Description: p.Description,
		Tags:        p.Tags,
		Platform:    p.Platform,
		AccountID:   p.AccountID,
	}
}
