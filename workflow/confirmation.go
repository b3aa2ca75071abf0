package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/oknaservice/dispatch_backend/models"
	"github.com/oknaservice/dispatch_backend/utils"
)

// ConfirmProposal turns the pending proposal into a binding assignment.
// Rejections are typed: an already-assigned record returns
// ErrAlreadyConfirmed, a record without a proposal returns ErrNoProposal,
// a terminal record returns ErrTerminalStatus.
func ConfirmProposal(ctx context.Context, measurementId int, confirmedById int) (*models.Measurement, error) {

	var confirmed *models.Measurement
	err := utils.DispatchLock(ctx, fmt.Sprintf("measurement:%d", measurementId), moduleName, "ConfirmProposal",
		func(ctx context.Context) error {
			m, err := models.GetMeasurement(ctx, measurementId)
			if err != nil {
				return err
			}
			if m.Status.IsTerminal() {
				return models.ErrTerminalStatus
			}
			if m.Status == models.StatusAssigned {
				return models.ErrAlreadyConfirmed
			}
			if m.ProposedWorkerId == nil || *m.ProposedWorkerId == 0 {
				return models.ErrNoProposal
			}

			confirmed, err = assignWorker(ctx, m, *m.ProposedWorkerId, confirmedById)
			return err
		})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// OverrideProposal confirms the measurement with a worker chosen by the
// reviewer instead of the proposed one. Also the entry point for records
// whose proposal came back empty (reason "none").
func OverrideProposal(ctx context.Context, measurementId int, workerId int, confirmedById int) (*models.Measurement, error) {

	var confirmed *models.Measurement
	err := utils.DispatchLock(ctx, fmt.Sprintf("measurement:%d", measurementId), moduleName, "OverrideProposal",
		func(ctx context.Context) error {
			m, err := models.GetMeasurement(ctx, measurementId)
			if err != nil {
				return err
			}
			if m.Status.IsTerminal() {
				return models.ErrTerminalStatus
			}
			if m.Status == models.StatusAssigned {
				return models.ErrAlreadyConfirmed
			}

			confirmed, err = assignWorker(ctx, m, workerId, confirmedById)
			return err
		})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// ReassignMeasurer changes the worker on an already-assigned measurement.
// Allowed any number of times. A reassignment to a different worker while
// the zone is empty advances the cursor again; reassignment to the same
// worker leaves the cursor alone.
func ReassignMeasurer(ctx context.Context, measurementId int, workerId int, confirmedById int) (*models.Measurement, error) {

	var reassigned *models.Measurement
	err := utils.DispatchLock(ctx, fmt.Sprintf("measurement:%d", measurementId), moduleName, "ReassignMeasurer",
		func(ctx context.Context) error {
			m, err := models.GetMeasurement(ctx, measurementId)
			if err != nil {
				return err
			}
			if m.Status.IsTerminal() {
				return models.ErrTerminalStatus
			}
			if m.Status != models.StatusAssigned {
				return errors.New("measurement is not assigned yet")
			}

			if m.ConfirmedWorkerId != nil && *m.ConfirmedWorkerId == workerId {
				reassigned = m
				return nil
			}

			reassigned, err = assignWorker(ctx, m, workerId, confirmedById)
			return err
		})
	if err != nil {
		return nil, err
	}
	return reassigned, nil
}

// assignWorker performs the shared confirm/override/reassign tail: validate
// the worker, advance the cursor when the policy says so, write the
// transition, then fan out notifications. The cursor commit runs first so a
// busy cursor (ErrCursorBusy) leaves the record untouched and the operator
// can simply retry.
func assignWorker(ctx context.Context, m *models.Measurement, workerId int, confirmedById int) (*models.Measurement, error) {

	worker, err := models.GetUser(ctx, workerId)
	if err != nil {
		return nil, errors.New("worker not found")
	}
	if worker.IsActive == nil || !*worker.IsActive {
		return nil, errors.New("worker is not active")
	}

	if ShouldAdvanceCursor(m) {
		if err := CommitAssignment(ctx, workerId); err != nil {
			return nil, err
		}
	}

	if err := models.MarkMeasurementAssigned(ctx, m, workerId, confirmedById); err != nil {
		return nil, err
	}

	fanOutAssignment(ctx, m, worker)
	return m, nil
}

func CompleteMeasurement(ctx context.Context, measurementId int) (*models.Measurement, error) {

	m, err := models.GetMeasurement(ctx, measurementId)
	if err != nil {
		return nil, err
	}
	if !m.Status.CanTransition(models.StatusCompleted) {
		if m.Status.IsTerminal() {
			return nil, models.ErrTerminalStatus
		}
		return nil, errors.New("only assigned measurements can be completed")
	}

	if err := models.MarkMeasurementCompleted(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func CancelMeasurement(ctx context.Context, measurementId int, cancelledById int) (*models.Measurement, error) {

	m, err := models.GetMeasurement(ctx, measurementId)
	if err != nil {
		return nil, err
	}
	if !m.Status.CanTransition(models.StatusCancelled) {
		return nil, models.ErrTerminalStatus
	}

	if err := models.MarkMeasurementCancelled(ctx, m, cancelledById); err != nil {
		return nil, err
	}
	return m, nil
}
