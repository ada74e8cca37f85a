package models

import "time"

type ScheduleType string

const (
	ScheduleOneTime ScheduleType = "one_time"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
)

// Schedule is a persisted automation rule. StartTime and EndTime hold an
// RFC 3339 instant for one_time schedules and a time of day (15:04 or
// 15:04:05) for daily and weekly ones. Weekdays use 1=Mon..7=Sun.
type Schedule struct {
	ID         string       `json:"id"`
	CameraID   string       `json:"camera_id" validate:"required"`
	CameraName string       `json:"camera_name" validate:"required"`
	SourceURL  string       `json:"source_url" validate:"required"`
	Type       ScheduleType `json:"type" validate:"required,oneof=one_time daily weekly"`
	StartTime  string       `json:"start_time" validate:"required"`
	EndTime    string       `json:"end_time,omitempty"`
	Weekdays   []int        `json:"weekdays,omitempty" validate:"omitempty,dive,min=1,max=7"`
	IsActive   bool         `json:"is_active"`
	CreatedAt  time.Time    `json:"created_at"`
}
