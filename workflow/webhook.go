package workflow

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/crm"
	"github.com/oknaservice/dispatch_backend/legacyorders"
	"github.com/oknaservice/dispatch_backend/models"
)

// LeadLookup and OrderLookup are the collaborator surfaces the intake flow
// consumes. The real implementations live in crm and legacyorders; tests
// substitute fakes.
type LeadLookup interface {
	GetLeadFullInfo(ctx context.Context, leadId int64) (*crm.LeadInfo, error)
}

type OrderLookup interface {
	GetOrderData(ctx context.Context, orderCode string) (*legacyorders.OrderData, error)
}

var (
	leadLookup  LeadLookup
	orderLookup OrderLookup
)

func SetLookups(leads LeadLookup, orders OrderLookup) {
	leadLookup = leads
	orderLookup = orders
}

// TriggerStatusId is the CRM pipeline status that starts dispatch. Events
// for other statuses are ignored.
func TriggerStatusId() int64 {
	if raw := os.Getenv("CRM_MEASUREMENT_STATUS_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// ProcessLeadEvent handles one webhook lead-status event end to end:
// enrich from CRM and the legacy order system, compute a proposal, create
// the pending measurement and ask reviewers to confirm. Collaborator
// failures degrade to assignment with less data; an unassignable lead still
// produces a pending record awaiting manual action.
func ProcessLeadEvent(ctx context.Context, leadId int64, statusId int64) (*models.Measurement, error) {

	logger := config.GetLogger()

	if trigger := TriggerStatusId(); trigger != 0 && statusId != trigger {
		return nil, nil
	}

	input := models.NewMeasurement{CrmLeadId: leadId}
	dealerName := ""
	zone := ""

	if leadLookup != nil {
		info, err := leadLookup.GetLeadFullInfo(ctx, leadId)
		if err != nil {
			// degrade to zone/round-robin rather than aborting intake
			config.LogError(logger, moduleName, "ProcessLeadEvent", "lead enrichment failed", leadId, err)
		} else {
			input.LeadName = info.LeadName
			input.ContactName = info.ContactName
			input.ResponsibleUser = info.ResponsibleUser
			input.DealerName = info.DealerMeasurer
			input.DeliveryZone = info.DeliveryZone
			input.Phone = info.ContactPhone
			dealerName = info.DealerMeasurer
			zone = info.DeliveryZone

			if info.OrderCode != "" && orderLookup != nil {
				order, err := orderLookup.GetOrderData(ctx, info.OrderCode)
				if err != nil {
					config.LogError(logger, moduleName, "ProcessLeadEvent", "order enrichment failed", info.OrderCode, err)
				} else {
					input.OrderNumber = order.OrderNumber
					input.Quantity = order.Quantity
					input.Area = order.Area
					input.Address = order.Address
					input.AgreementInfo = order.AgreementInfo
					if order.Phone != "" && input.Phone == "" {
						input.Phone = order.Phone
					}
					if order.Zone != "" {
						input.DeliveryZone = order.Zone
						zone = order.Zone
					}
				}
			}
		}
	}

	proposal, err := Propose(ctx, dealerName, zone)
	if err != nil {
		return nil, err
	}

	var proposedWorkerId *int
	if proposal.Reason != models.ReasonNone {
		id := proposal.WorkerId
		proposedWorkerId = &id
	}

	measurement, err := models.CreateMeasurementPending(ctx, &input, proposedWorkerId, proposal.Reason)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateLead) {
			// webhook retries for the same lead are a no-op
			return models.GetMeasurementByLeadId(ctx, leadId)
		}
		return nil, err
	}

	fanOutPending(ctx, measurement, proposal)
	return measurement, nil
}
