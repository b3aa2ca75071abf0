package models

import (
	"context"
	"errors"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/utils"
	"github.com/shopspring/decimal"
)

// Measurement is one field-measurement job. Dealer name, zone and order
// details are snapshots taken at intake; later changes to bindings do not
// rewrite history. Worker references are weak: deactivating or removing a
// worker leaves the measurement intact.
type Measurement struct {
	ID                int               `gorm:"primary_key" json:"id"`
	CrmLeadId         int64             `gorm:"not null;uniqueIndex" json:"crm_lead_id"`
	LeadName          string            `gorm:"size:255" json:"lead_name"`
	ContactName       string            `gorm:"size:255" json:"contact_name"`
	ResponsibleUser   string            `gorm:"size:255" json:"responsible_user"`
	DealerName        string            `gorm:"size:200" json:"dealer_name"`
	DeliveryZone      string            `gorm:"size:100" json:"delivery_zone"`
	OrderNumber       string            `gorm:"size:50;index" json:"order_number"`
	Quantity          int               `json:"quantity"`
	Area              decimal.Decimal   `gorm:"type:decimal(10,2)" json:"area"`
	Address           string            `gorm:"size:500" json:"address"`
	Phone             string            `gorm:"size:20" json:"phone"`
	AgreementInfo     string            `gorm:"size:255" json:"agreement_info"`
	Notes             string            `gorm:"size:2000" json:"notes"`
	ProposedWorkerId  *int              `json:"proposed_worker_id"`
	ConfirmedWorkerId *int              `json:"confirmed_worker_id"`
	Reason            AssignmentReason  `gorm:"size:20;not null;default:'none'" json:"reason"`
	Status            MeasurementStatus `gorm:"size:30;not null;index" json:"status"`
	ConfirmedById     *int              `json:"confirmed_by_id"`
	CancelledById     *int              `json:"cancelled_by_id"`
	AssignedAt        *time.Time        `json:"assigned_at"`
	CompletedAt       *time.Time        `json:"completed_at"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

var (
	ErrAlreadyConfirmed = errors.New("measurement is already confirmed")
	ErrNoProposal       = errors.New("no proposal to confirm")
	ErrTerminalStatus   = errors.New("measurement is in a terminal state")
	ErrDuplicateLead    = errors.New("measurement for this lead already exists")
)

type NewMeasurement struct {
	CrmLeadId       int64           `json:"crm_lead_id" binding:"required"`
	LeadName        string          `json:"lead_name"`
	ContactName     string          `json:"contact_name"`
	ResponsibleUser string          `json:"responsible_user"`
	DealerName      string          `json:"dealer_name"`
	DeliveryZone    string          `json:"delivery_zone"`
	OrderNumber     string          `json:"order_number"`
	Quantity        int             `json:"quantity"`
	Area            decimal.Decimal `json:"area"`
	Address         string          `json:"address"`
	Phone           string          `json:"phone"`
	AgreementInfo   string          `json:"agreement_info"`
	Notes           string          `json:"notes"`
}

// CreateMeasurementPending inserts a new record in pending_confirmation with
// the given proposal attached. One record per CRM lead; a duplicate lead id
// is rejected with ErrDuplicateLead so webhook retries stay idempotent.
func CreateMeasurementPending(ctx context.Context, input *NewMeasurement, proposedWorkerId *int, reason AssignmentReason) (*Measurement, error) {

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	count, err := utils.ResourceCountWhere[Measurement](ctx, "crm_lead_id = ?", input.CrmLeadId)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicateLead
	}

	measurement := Measurement{
		CrmLeadId:        input.CrmLeadId,
		LeadName:         input.LeadName,
		ContactName:      input.ContactName,
		ResponsibleUser:  input.ResponsibleUser,
		DealerName:       input.DealerName,
		DeliveryZone:     input.DeliveryZone,
		OrderNumber:      input.OrderNumber,
		Quantity:         input.Quantity,
		Area:             input.Area,
		Address:          input.Address,
		Phone:            utils.NormalizePhone(input.Phone),
		AgreementInfo:    input.AgreementInfo,
		Notes:            input.Notes,
		ProposedWorkerId: proposedWorkerId,
		Reason:           reason,
		Status:           StatusPendingConfirmation,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&measurement).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, ErrDuplicateLead
		}
		return nil, err
	}
	return &measurement, nil
}

// CreateMeasurementAssigned is the manual path: an operator picks the worker
// up front and the record skips pending_confirmation.
func CreateMeasurementAssigned(ctx context.Context, input *NewMeasurement, workerId int, createdById int) (*Measurement, error) {

	if err := utils.ValidateResourceId[User](ctx, workerId); err != nil {
		return nil, errors.New("worker not found")
	}

	count, err := utils.ResourceCountWhere[Measurement](ctx, "crm_lead_id = ?", input.CrmLeadId)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicateLead
	}

	now := time.Now()
	measurement := Measurement{
		CrmLeadId:         input.CrmLeadId,
		LeadName:          input.LeadName,
		ContactName:       input.ContactName,
		ResponsibleUser:   input.ResponsibleUser,
		DealerName:        input.DealerName,
		DeliveryZone:      input.DeliveryZone,
		OrderNumber:       input.OrderNumber,
		Quantity:          input.Quantity,
		Area:              input.Area,
		Address:           input.Address,
		Phone:             utils.NormalizePhone(input.Phone),
		AgreementInfo:     input.AgreementInfo,
		Notes:             input.Notes,
		ConfirmedWorkerId: &workerId,
		Reason:            ReasonNone,
		Status:            StatusAssigned,
		ConfirmedById:     &createdById,
		AssignedAt:        &now,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&measurement).Error; err != nil {
		return nil, err
	}
	return &measurement, nil
}

func GetMeasurement(ctx context.Context, id int) (*Measurement, error) {
	return utils.FetchSingleModel[Measurement](ctx, id)
}

func GetMeasurementByLeadId(ctx context.Context, leadId int64) (*Measurement, error) {
	db := config.GetDB()
	var measurement Measurement
	if err := db.WithContext(ctx).Where("crm_lead_id = ?", leadId).First(&measurement).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &measurement, nil
}

func GetMeasurements(ctx context.Context, status *string, workerId *int) ([]*Measurement, error) {
	db := config.GetDB()
	var results []*Measurement

	dbCtx := db.WithContext(ctx)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if workerId != nil && *workerId > 0 {
		dbCtx = dbCtx.Where("confirmed_worker_id = ?", *workerId)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// markAssigned, markCompleted and markCancelled perform the raw column
// updates. Status guards live in the workflow package; these assume the
// transition was already validated.

func MarkMeasurementAssigned(ctx context.Context, m *Measurement, workerId int, confirmedById int) error {
	now := time.Now()
	db := config.GetDB()
	err := db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"Status":            StatusAssigned,
		"ConfirmedWorkerId": workerId,
		"ConfirmedById":     confirmedById,
		"AssignedAt":        now,
	}).Error
	if err != nil {
		return err
	}
	m.Status = StatusAssigned
	m.ConfirmedWorkerId = &workerId
	m.ConfirmedById = &confirmedById
	m.AssignedAt = &now
	return nil
}

func MarkMeasurementCompleted(ctx context.Context, m *Measurement) error {
	now := time.Now()
	db := config.GetDB()
	err := db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"Status":      StatusCompleted,
		"CompletedAt": now,
	}).Error
	if err != nil {
		return err
	}
	m.Status = StatusCompleted
	m.CompletedAt = &now
	return nil
}

func MarkMeasurementCancelled(ctx context.Context, m *Measurement, cancelledById int) error {
	db := config.GetDB()
	err := db.WithContext(ctx).Model(m).Updates(map[string]interface{}{
		"Status":        StatusCancelled,
		"CancelledById": cancelledById,
	}).Error
	if err != nil {
		return err
	}
	m.Status = StatusCancelled
	m.CancelledById = &cancelledById
	return nil
}
