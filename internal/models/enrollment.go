package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Persisted statuses. Cancelled is terminal and never stored: the row is deleted.
const (
	EnrollmentStatusPending   EnrollmentStatus = "pending"
	EnrollmentStatusApproved  EnrollmentStatus = "approved"
	EnrollmentStatusRejected  EnrollmentStatus = "rejected"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
)

// ActiveLineage reports whether the status counts toward the per (student, course, term)
// uniqueness rule and toward a student's credit load.
func (s EnrollmentStatus) ActiveLineage() bool {
	return s == EnrollmentStatusPending || s == EnrollmentStatusApproved
}

// OccupiesSeat reports whether the enrollment is counted against course capacity.
// Completed enrollments keep their seat for the term.
func (s EnrollmentStatus) OccupiesSeat() bool {
	return s.ActiveLineage() || s == EnrollmentStatusCompleted
}

// Enrollment captures a student's registration in a course for a term.
type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	StudentID   string           `db:"student_id" json:"student_id"`
	CourseID    string           `db:"course_id" json:"course_id"`
	Term        string           `db:"term" json:"term"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	EnrolledAt  time.Time        `db:"enrolled_at" json:"enrolled_at"`
	CompletedAt *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	Remarks     *string          `db:"remarks" json:"remarks,omitempty"`
	Grade       *string          `db:"grade" json:"grade,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with course and student info.
type EnrollmentDetail struct {
	Enrollment
	CourseName    string   `db:"course_name" json:"course_name"`
	Credits       int      `db:"credits" json:"credits"`
	Instructor    string   `db:"instructor" json:"instructor"`
	Schedule      Schedule `db:"schedule" json:"schedule"`
	StudentName   string   `db:"student_name" json:"student_name"`
	StudentNumber *string  `db:"student_number" json:"student_number,omitempty"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	Term      string
	Status    EnrollmentStatus
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// CreditSummary reports a student's load for a term.
type CreditSummary struct {
	StudentID        string `json:"student_id"`
	Term             string `json:"term"`
	EnrolledCredits  int    `json:"enrolled_credits"`
	MaxCredits       int    `json:"max_credits"`
	RemainingCredits int    `json:"remaining_credits"`
}
