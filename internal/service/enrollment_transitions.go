package service

import "github.com/noah-isme/campus-enroll-api/internal/models"

type transitionKey struct {
	from models.EnrollmentStatus
	to   models.EnrollmentStatus
}

// transition describes an allowed status move and its effect on the course seat counter.
type transition struct {
	seatDelta int
	// recheck capacity and active-lineage uniqueness before re-holding a seat
	reholds bool
}

// enrollmentTransitions is the complete state machine. Pairs that are absent are rejected.
// Cancellation is listed for seat accounting only; it is reached through Cancel, never Decide.
var enrollmentTransitions = map[transitionKey]transition{
	{models.EnrollmentStatusPending, models.EnrollmentStatusApproved}:   {seatDelta: 0},
	{models.EnrollmentStatusPending, models.EnrollmentStatusRejected}:   {seatDelta: +1},
	{models.EnrollmentStatusApproved, models.EnrollmentStatusRejected}:  {seatDelta: +1},
	{models.EnrollmentStatusRejected, models.EnrollmentStatusApproved}:  {seatDelta: -1, reholds: true},
	{models.EnrollmentStatusApproved, models.EnrollmentStatusCompleted}: {seatDelta: 0},
	{models.EnrollmentStatusPending, models.EnrollmentStatusCancelled}:  {seatDelta: +1},
}

var decidableStatuses = map[models.EnrollmentStatus]struct{}{
	models.EnrollmentStatusApproved:  {},
	models.EnrollmentStatusRejected:  {},
	models.EnrollmentStatusCompleted: {},
}

func lookupTransition(from, to models.EnrollmentStatus) (transition, bool) {
	t, ok := enrollmentTransitions[transitionKey{from: from, to: to}]
	return t, ok
}

// cancellationSeatDelta returns the seat release for deleting an enrollment in status.
// Admins may remove enrollments in any status; only seat-occupying rows give a seat back.
func cancellationSeatDelta(status models.EnrollmentStatus) int {
	if t, ok := lookupTransition(status, models.EnrollmentStatusCancelled); ok {
		return t.seatDelta
	}
	if status.OccupiesSeat() {
		return +1
	}
	return 0
}
