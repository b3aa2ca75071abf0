package models

import (
	"errors"
)

type UserRole string

const (
	UserRoleAdmin      UserRole = "admin"
	UserRoleSupervisor UserRole = "supervisor"
	UserRoleManager    UserRole = "manager"
	UserRoleMeasurer   UserRole = "measurer"
	UserRoleObserver   UserRole = "observer"
)

func ParseUserRole(s string) (UserRole, error) {
	switch s {
	case "admin":
		return UserRoleAdmin, nil
	case "supervisor":
		return UserRoleSupervisor, nil
	case "manager":
		return UserRoleManager, nil
	case "measurer":
		return UserRoleMeasurer, nil
	case "observer":
		return UserRoleObserver, nil
	default:
		return "", errors.New("invalid user role")
	}
}

// CanConfirm reports whether the role is allowed to confirm, override or
// cancel measurement assignments.
func (r UserRole) CanConfirm() bool {
	return r == UserRoleAdmin || r == UserRoleSupervisor
}

type MeasurementStatus string

const (
	StatusPendingConfirmation MeasurementStatus = "pending_confirmation"
	StatusAssigned            MeasurementStatus = "assigned"
	StatusCompleted           MeasurementStatus = "completed"
	StatusCancelled           MeasurementStatus = "cancelled"
)

func (s MeasurementStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition encodes the measurement lifecycle:
// pending_confirmation -> assigned -> {completed, cancelled}.
// Re-assignment keeps the record in assigned. Cancellation is reachable
// from any non-terminal state. Terminal states admit no transitions.
func (s MeasurementStatus) CanTransition(to MeasurementStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch to {
	case StatusAssigned:
		return s == StatusPendingConfirmation || s == StatusAssigned
	case StatusCompleted:
		return s == StatusAssigned
	case StatusCancelled:
		return true
	default:
		return false
	}
}

type AssignmentReason string

const (
	ReasonDealer     AssignmentReason = "dealer"
	ReasonZone       AssignmentReason = "zone"
	ReasonRoundRobin AssignmentReason = "round_robin"
	ReasonNone       AssignmentReason = "none"
)

// Label renders the reason for operator-facing text and the export register.
// Every reason must be handled here; an unknown value is a programming error.
func (r AssignmentReason) Label() string {
	switch r {
	case ReasonDealer:
		return "dealer binding"
	case ReasonZone:
		return "zone binding"
	case ReasonRoundRobin:
		return "round robin"
	case ReasonNone:
		return "no candidate"
	default:
		return "unknown"
	}
}

type NotificationKind string

const (
	NotificationAssignment NotificationKind = "assignment"
	NotificationStatus     NotificationKind = "status"
	NotificationPending    NotificationKind = "pending_review"
)
