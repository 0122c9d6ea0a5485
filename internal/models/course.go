package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CourseStatus is the lifecycle state of a course.
type CourseStatus string

const (
	CourseStatusDraft    CourseStatus = "draft"
	CourseStatusActive   CourseStatus = "active"
	CourseStatusFull     CourseStatus = "full"
	CourseStatusArchived CourseStatus = "archived"
)

// Settable reports whether an admin may assign the status directly. Full is derived from the seat counter.
func (s CourseStatus) Settable() bool {
	switch s {
	case CourseStatusDraft, CourseStatusActive, CourseStatusArchived:
		return true
	default:
		return false
	}
}

// ScheduleSlot is a weekly meeting window, times in HH:MM.
type ScheduleSlot struct {
	Day   string `json:"day" validate:"required,oneof=Mon Tue Wed Thu Fri Sat Sun"`
	Start string `json:"start" validate:"required,datetime=15:04"`
	End   string `json:"end" validate:"required,datetime=15:04"`
}

// Minutes returns the slot bounds as minutes since midnight. Both "9:00" and "09:00" parse.
func (s ScheduleSlot) Minutes() (start, end int, err error) {
	if start, err = clockMinutes(s.Start); err != nil {
		return 0, 0, err
	}
	if end, err = clockMinutes(s.End); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// Overlaps reports whether two slots share a day and intersect in time.
// Slots with unparsable times never overlap; validation rejects them earlier.
func (s ScheduleSlot) Overlaps(other ScheduleSlot) bool {
	if s.Day != other.Day {
		return false
	}
	aStart, aEnd, err := s.Minutes()
	if err != nil {
		return false
	}
	bStart, bEnd, err := other.Minutes()
	if err != nil {
		return false
	}
	return aStart < bEnd && bStart < aEnd
}

func clockMinutes(clock string) (int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", clock, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Schedule is stored as JSONB.
type Schedule []ScheduleSlot

// Value implements driver.Valuer.
func (s Schedule) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *Schedule) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = Schedule{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported schedule type %T", src)
	}
}

// ConflictsWith reports the first pair of overlapping slots, if any.
func (s Schedule) ConflictsWith(other Schedule) (ScheduleSlot, bool) {
	for _, a := range s {
		for _, b := range other {
			if a.Overlaps(b) {
				return a, true
			}
		}
	}
	return ScheduleSlot{}, false
}

// Course represents a catalog entry.
type Course struct {
	ID             string       `db:"id" json:"id"`
	Name           string       `db:"name" json:"name"`
	Credits        int          `db:"credits" json:"credits"`
	Category       string       `db:"category" json:"category"`
	Instructor     string       `db:"instructor" json:"instructor"`
	InstructorID   *string      `db:"instructor_id" json:"instructor_id,omitempty"`
	Schedule       Schedule     `db:"schedule" json:"schedule"`
	Description    string       `db:"description" json:"description"`
	TotalSeats     int          `db:"total_seats" json:"total_seats"`
	AvailableSeats int          `db:"available_seats" json:"available_seats"`
	Status         CourseStatus `db:"status" json:"status"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// CourseListItem is a catalog row with presentation hints.
type CourseListItem struct {
	Course
	AlmostFull bool `json:"almost_full"`
}

// CourseFilter captures catalog listing criteria.
type CourseFilter struct {
	Statuses   []CourseStatus
	Category   string
	Instructor string
	Search     string
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}

// CoursePatch lists the descriptive columns an admin may change. Seat columns are
// maintained separately.
type CoursePatch struct {
	Name        *string
	Credits     *int
	Category    *string
	Instructor  *string
	Schedule    *Schedule
	Description *string
	Status      *CourseStatus
}

// CourseSchedule pairs a course with its weekly slots.
type CourseSchedule struct {
	CourseID string   `db:"course_id" json:"course_id"`
	Schedule Schedule `db:"schedule" json:"schedule"`
}
