package models

import "testing"

func TestStatusMachine_HappyPath(t *testing.T) {
	if !StatusPendingConfirmation.CanTransition(StatusAssigned) {
		t.Fatal("pending_confirmation -> assigned must be allowed")
	}
	if !StatusAssigned.CanTransition(StatusAssigned) {
		t.Fatal("assigned -> assigned (re-assignment) must be allowed")
	}
	if !StatusAssigned.CanTransition(StatusCompleted) {
		t.Fatal("assigned -> completed must be allowed")
	}
	if !StatusAssigned.CanTransition(StatusCancelled) {
		t.Fatal("assigned -> cancelled must be allowed")
	}
	if !StatusPendingConfirmation.CanTransition(StatusCancelled) {
		t.Fatal("pending_confirmation -> cancelled must be allowed")
	}
}

func TestStatusMachine_TerminalStatesAreFinal(t *testing.T) {
	targets := []MeasurementStatus{
		StatusPendingConfirmation, StatusAssigned, StatusCompleted, StatusCancelled,
	}
	for _, terminal := range []MeasurementStatus{StatusCompleted, StatusCancelled} {
		if !terminal.IsTerminal() {
			t.Fatalf("%s must be terminal", terminal)
		}
		for _, to := range targets {
			if terminal.CanTransition(to) {
				t.Fatalf("%s -> %s must be rejected", terminal, to)
			}
		}
	}
}

func TestStatusMachine_NoCompletionFromPending(t *testing.T) {
	if StatusPendingConfirmation.CanTransition(StatusCompleted) {
		t.Fatal("pending_confirmation -> completed must be rejected")
	}
}

func TestUserRole_CanConfirm(t *testing.T) {
	cases := []struct {
		role UserRole
		want bool
	}{
		{UserRoleAdmin, true},
		{UserRoleSupervisor, true},
		{UserRoleManager, false},
		{UserRoleMeasurer, false},
		{UserRoleObserver, false},
	}
	for _, tc := range cases {
		if got := tc.role.CanConfirm(); got != tc.want {
			t.Fatalf("%s.CanConfirm(): expected %v, got %v", tc.role, tc.want, got)
		}
	}
}

func TestParseUserRole_RejectsUnknown(t *testing.T) {
	if _, err := ParseUserRole("root"); err == nil {
		t.Fatal("expected error for unknown role")
	}
	role, err := ParseUserRole("measurer")
	if err != nil {
		t.Fatal(err)
	}
	if role != UserRoleMeasurer {
		t.Fatalf("expected measurer, got %s", role)
	}
}

func TestAssignmentReason_LabelCoversAllReasons(t *testing.T) {
	for _, r := range []AssignmentReason{ReasonDealer, ReasonZone, ReasonRoundRobin, ReasonNone} {
		if r.Label() == "unknown" {
			t.Fatalf("reason %s has no label", r)
		}
	}
}
