package models

import "time"

// SegmentClosedEvent is emitted once per completed segment file.
type SegmentClosedEvent struct {
	FilePath   string
	FileName   string
	DateFolder string
	FileSize   int64
	DetectedAt time.Time
	StartTime  time.Time
}

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSynced    SyncStatus = "synced"
	SyncFailed    SyncStatus = "failed"
	SyncAbandoned SyncStatus = "abandoned"
)

// PendingSegment is the durable unit of the local queue. FilePath is unique.
type PendingSegment struct {
	CameraID        string     `json:"camera_id"`
	CameraName      string     `json:"camera_name"`
	FilePath        string     `json:"file_path"`
	FileName        string     `json:"file_name"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationSeconds int        `json:"duration_seconds"`
	FileSize        int64      `json:"file_size"`
	CreatedAt       time.Time  `json:"created_at"`
	Status          SyncStatus `json:"status"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
}

// SegmentRecord is what the remote store keeps: PendingSegment minus local-only fields.
type SegmentRecord struct {
	CameraID        string    `json:"camera_id" db:"camera_id"`
	CameraName      string    `json:"camera_name" db:"camera_name"`
	FilePath        string    `json:"file_path" db:"file_path"`
	FileName        string    `json:"file_name" db:"file_name"`
	StartTime       time.Time `json:"start_time" db:"start_time"`
	EndTime         time.Time `json:"end_time" db:"end_time"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
	FileSize        int64     `json:"file_size" db:"file_size"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

func (s PendingSegment) Record() SegmentRecord {
	return SegmentRecord{
		CameraID:        s.CameraID,
		CameraName:      s.CameraName,
		FilePath:        s.FilePath,
		FileName:        s.FileName,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationSeconds: s.DurationSeconds,
		FileSize:        s.FileSize,
		CreatedAt:       s.CreatedAt,
	}
}
