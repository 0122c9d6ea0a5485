package service

import "github.com/noah-isme/campus-enroll-api/internal/models"

// Capability checks. Every engine operation consults exactly one of these before touching
// state, so role handling lives here rather than in handlers.

func canRequest(actor models.Actor) bool {
	return !actor.Anonymous() && actor.IsStudent()
}

func canDecide(actor models.Actor) bool {
	return !actor.Anonymous() && actor.IsAdmin()
}

func canCancel(actor models.Actor, enrollment *models.Enrollment) bool {
	if actor.Anonymous() || enrollment == nil {
		return false
	}
	return actor.IsAdmin() || enrollment.StudentID == actor.UserID
}

// canCancelInState reports whether the actor may cancel from the enrollment's current status.
// Students withdraw only while the request is still pending.
func canCancelInState(actor models.Actor, enrollment *models.Enrollment) bool {
	return actor.IsAdmin() || enrollment.Status == models.EnrollmentStatusPending
}

func canView(actor models.Actor, enrollment *models.Enrollment) bool {
	if actor.Anonymous() || enrollment == nil {
		return false
	}
	return actor.IsAdmin() || enrollment.StudentID == actor.UserID
}

func canManageCourses(actor models.Actor) bool {
	return !actor.Anonymous() && actor.IsAdmin()
}

// scopeEnrollmentFilter pins non-admin callers to their own records whatever they asked for.
func scopeEnrollmentFilter(actor models.Actor, filter *models.EnrollmentFilter) {
	if !actor.IsAdmin() {
		filter.StudentID = actor.UserID
	}
}

// visibleCourseStatuses narrows catalog listing for callers who cannot manage courses. It
// returns false when the requested status is hidden from the caller.
func visibleCourseStatuses(actor models.Actor, requested models.CourseStatus) ([]models.CourseStatus, bool) {
	if canManageCourses(actor) {
		if requested == "" {
			return nil, true
		}
		return []models.CourseStatus{requested}, true
	}
	if requested == "" {
		return []models.CourseStatus{models.CourseStatusActive, models.CourseStatusFull}, true
	}
	if requested == models.CourseStatusActive || requested == models.CourseStatusFull {
		return []models.CourseStatus{requested}, true
	}
	return nil, false
}
