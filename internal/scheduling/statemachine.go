package scheduling

import "errors"

var ErrInvalidTransition = errors.New("invalid appointment status transition")

// transitions is the closed set of legal status changes. Anything not listed
// here, including any move out of a terminal status, is rejected.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled: {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusCompleted: nil,
	StatusCancelled: nil,
	StatusNoShow:    nil,
}

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Active reports whether the appointment still occupies its slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition unless from -> to is legal.
func CheckTransition(from, to AppointmentStatus) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}
