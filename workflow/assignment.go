package workflow

import (
	"context"
	"errors"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/models"
	"github.com/oknaservice/dispatch_backend/utils"
)

const moduleName = "Workflow"

// Proposal is a tentative worker suggestion. Nothing is persisted and the
// round-robin cursor is not touched until a human confirms.
type Proposal struct {
	WorkerId int
	Reason   models.AssignmentReason
}

// Propose selects a candidate measurer for a lead using the three-tier
// policy: dealer-name binding, then zone binding, then round-robin rotation.
// It performs only reads and returns the same result for the same system
// state, so it is safe to call any number of times while a proposal is being
// reviewed.
func Propose(ctx context.Context, dealerName string, zone string) (*Proposal, error) {

	logger := config.GetLogger()

	// tier 1: dealer binding
	if utils.NormalizeLabel(dealerName) != "" {
		worker, err := models.MeasurerForDealerName(ctx, dealerName)
		if err == nil {
			return &Proposal{WorkerId: worker.ID, Reason: models.ReasonDealer}, nil
		}
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			config.LogError(logger, moduleName, "Propose", "dealer lookup failed", dealerName, err)
		}
	}

	// tier 2: zone binding, lowest worker id wins
	if zone != "" {
		workers, err := models.MeasurersForZone(ctx, zone)
		if err != nil {
			config.LogError(logger, moduleName, "Propose", "zone lookup failed", zone, err)
		} else if len(workers) > 0 {
			return &Proposal{WorkerId: workers[0].ID, Reason: models.ReasonZone}, nil
		}
	}

	// tier 3: round-robin preview, cursor stays put
	workers, err := models.ActiveMeasurers(ctx)
	if err != nil {
		return nil, err
	}
	cursorId, err := models.GetRoundRobinCursor(ctx)
	if err != nil {
		return nil, err
	}

	nextId := nextAfterCursor(workerIds(workers), cursorId)
	if nextId == 0 {
		return &Proposal{WorkerId: 0, Reason: models.ReasonNone}, nil
	}
	return &Proposal{WorkerId: nextId, Reason: models.ReasonRoundRobin}, nil
}

// nextAfterCursor picks the worker after cursorId in an id-ascending list,
// wrapping around at the end. A cursor pointing at a worker no longer in the
// list (deactivated or removed) restarts rotation from the first entry.
// Returns 0 when the list is empty.
func nextAfterCursor(ids []int, cursorId int) int {
	if len(ids) == 0 {
		return 0
	}
	for i, id := range ids {
		if id == cursorId {
			return ids[(i+1)%len(ids)]
		}
	}
	return ids[0]
}

func workerIds(workers []*models.User) []int {
	ids := make([]int, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	return ids
}

// ShouldAdvanceCursor is the single place deciding whether a confirmation
// moves the round-robin cursor: it does iff the measurement's stored delivery
// zone is empty. Historically the rule keys off the zone field rather than
// reason == round_robin; call sites must use this function instead of
// re-checking the zone inline.
func ShouldAdvanceCursor(m *models.Measurement) bool {
	return m.DeliveryZone == ""
}

// CommitAssignment advances the round-robin cursor to workerId. Called
// exactly once per confirmation, and only when ShouldAdvanceCursor allows it.
func CommitAssignment(ctx context.Context, workerId int) error {
	return models.AdvanceRoundRobinCursor(ctx, workerId)
}
