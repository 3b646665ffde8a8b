package api

import "time"

// Job represents one APK build request in the Forge system
type Job struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	ChatID     int64      `json:"chat_id"`
	URL        string     `json:"url"`
	State      JobState   `json:"state"`
	Error      string     `json:"error,omitempty"`
	OutputName string     `json:"output_name,omitempty"`
	OutputSize int64      `json:"output_size,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobState represents the state of a build job
type JobState string

const (
	// JobPending indicates the job is queued and has not started yet
	JobPending JobState = "pending"
	// JobBuilding indicates a worker is currently building the APK
	JobBuilding JobState = "building"
	// JobSucceeded indicates the signed APK was produced and delivered
	JobSucceeded JobState = "succeeded"
	// JobFailed indicates the build failed
	JobFailed JobState = "failed"
)

// QueueStats represents the current state of the build queue
type QueueStats struct {
	Depth     int `json:"depth"`
	Capacity  int `json:"capacity"`
	Workers   int `json:"workers"`
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ToolInfo describes an external tool the service depends on
type ToolInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Version string `json:"version,omitempty"`
}

// HealthStatus represents the health of the service
type HealthStatus struct {
	Status    string     `json:"status"`
	BaseAPK   string     `json:"base_apk"`
	Tools     []ToolInfo `json:"tools"`
	QueueOpen bool       `json:"queue_open"`
	Uptime    string     `json:"uptime"`
}

// Error represents an API error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
