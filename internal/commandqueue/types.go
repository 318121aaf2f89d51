package commandqueue

import (
	"encoding/json"
	"time"
)

// Status is a command's lifecycle state.
type Status string

// Command statuses.
const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// activeStatuses hold the idempotency key.
var activeStatuses = []Status{StatusPending, StatusQueued, StatusInProgress, StatusFailed}

// Active reports whether the status holds its idempotency key.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusQueued, StatusInProgress, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s == StatusSucceeded || s == StatusDeadLetter || s == StatusCancelled
}

// CommandType names the operation a command performs.
type CommandType string

// Command types.
const (
	CommandAddKey    CommandType = "ADD_KEY"
	CommandRevokeKey CommandType = "REVOKE_KEY"
)

// Command is a durable queue entry.
type Command struct {
	ID             string          `json:"id"`
	FacilityID     string          `json:"facilityId"`
	GatewayID      string          `json:"gatewayId"`
	DeviceID       string          `json:"deviceId"`
	CommandType    CommandType     `json:"commandType"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	AttemptCount   int             `json:"attemptCount"`
	LastError      *string         `json:"lastError,omitempty"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`

	// seq breaks created_at ties in claim order.
	seq int64
}

// NewCommand is an enqueue request. The idempotency key is derived.
type NewCommand struct {
	FacilityID  string          `json:"facilityId"`
	GatewayID   string          `json:"gatewayId"`
	DeviceID    string          `json:"deviceId"`
	CommandType CommandType     `json:"commandType"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
}

// Attempt is one execution of a command. It is never modified after
// FinishedAt is set.
type Attempt struct {
	ID         string     `json:"id"`
	CommandID  string     `json:"commandId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Success    *bool      `json:"success,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses  []Status
	GatewayID string
	DeviceID  string
	Limit     int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
