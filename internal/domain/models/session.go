package models

import (
	"regexp"
	"time"
)

type SessionState string

const (
	StateStarting  SessionState = "starting"
	StateRecording SessionState = "recording"
	StateStopping  SessionState = "stopping"
	StateStopped   SessionState = "stopped"
	StateError     SessionState = "error"
)

// SessionStatus is a read-only snapshot of one registered camera session.
type SessionStatus struct {
	SessionID          string       `json:"session_id"`
	CameraID           string       `json:"camera_id"`
	CameraName         string       `json:"camera_name"`
	StreamID           string       `json:"stream_id,omitempty"`
	SourceURL          string       `json:"-"`
	RecordingDirectory string       `json:"recording_directory,omitempty"`
	State              SessionState `json:"state"`
	StartedAt          time.Time    `json:"started_at"`
	SegmentsIndexed    int64        `json:"segments_indexed"`
	UptimeSeconds      float64      `json:"uptime_seconds"`
}

type StopResult struct {
	CameraID        string  `json:"camera_id"`
	CameraName      string  `json:"camera_name"`
	DurationSeconds float64 `json:"duration_seconds"`
	SegmentsIndexed int64   `json:"segments_indexed"`
}

var cameraIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidCameraID reports whether id is safe to use as a directory name under
// the recordings root.
func ValidCameraID(id string) bool {
	return cameraIDPattern.MatchString(id)
}
