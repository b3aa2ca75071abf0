package workflow

import (
	"context"
	"fmt"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/models"
)

// Notifier delivers rendered text to a chat identity. Implementations must
// not block on failure; the workflow records the outcome and moves on.
type Notifier interface {
	Notify(ctx context.Context, recipientChatId int64, text string) error
}

// LogNotifier writes notifications to the structured log. Used when no chat
// transport is configured and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, recipientChatId int64, text string) error {
	logger := config.GetLogger()
	logger.WithField("module", moduleName).
		WithField("recipient_chat_id", recipientChatId).
		Info(text)
	return nil
}

var notifier Notifier = LogNotifier{}

func SetNotifier(n Notifier) {
	if n != nil {
		notifier = n
	}
}

// notifyUser sends text to one user and records the attempt. Send failures
// are logged on the notification row, never returned to the caller.
func notifyUser(ctx context.Context, measurementId int, user *models.User, kind models.NotificationKind, text string) {
	logger := config.GetLogger()

	record := models.Notification{
		MeasurementId: measurementId,
		RecipientId:   user.ID,
		Kind:          kind,
		Text:          text,
	}

	if user.ChatId == 0 {
		record.DeliveryError = "user has no chat id"
	} else if err := notifier.Notify(ctx, user.ChatId, text); err != nil {
		record.DeliveryError = err.Error()
		config.LogError(logger, moduleName, "notifyUser", "notification send failed", user.ID, err)
	} else {
		record.IsDelivered = true
	}

	if err := models.RecordNotification(ctx, &record); err != nil {
		config.LogError(logger, moduleName, "notifyUser", "could not record notification", measurementId, err)
	}
}

// fanOutAssignment informs the assigned worker plus every manager and
// observer. Recipients race each other; ordering across them is not
// guaranteed and not needed.
func fanOutAssignment(ctx context.Context, m *models.Measurement, worker *models.User) {
	logger := config.GetLogger()

	text := renderAssignmentText(m, worker)
	notifyUser(ctx, m.ID, worker, models.NotificationAssignment, text)

	for _, role := range []string{string(models.UserRoleManager), string(models.UserRoleObserver)} {
		r := role
		recipients, err := models.GetUsers(ctx, &r)
		if err != nil {
			config.LogError(logger, moduleName, "fanOutAssignment", "could not list recipients", role, err)
			continue
		}
		for _, recipient := range recipients {
			if recipient.IsActive == nil || !*recipient.IsActive {
				continue
			}
			notifyUser(ctx, m.ID, recipient, models.NotificationStatus,
				fmt.Sprintf("Замер #%d назначен: %s -> %s", m.ID, m.LeadName, worker.Name))
		}
	}
}

// fanOutPending asks admins and supervisors to review a fresh proposal.
func fanOutPending(ctx context.Context, m *models.Measurement, proposal *Proposal) {
	logger := config.GetLogger()

	text := renderPendingText(ctx, m, proposal)
	for _, role := range []string{string(models.UserRoleAdmin), string(models.UserRoleSupervisor)} {
		r := role
		recipients, err := models.GetUsers(ctx, &r)
		if err != nil {
			config.LogError(logger, moduleName, "fanOutPending", "could not list recipients", role, err)
			continue
		}
		for _, recipient := range recipients {
			if recipient.IsActive == nil || !*recipient.IsActive {
				continue
			}
			notifyUser(ctx, m.ID, recipient, models.NotificationPending, text)
		}
	}
}

func renderAssignmentText(m *models.Measurement, worker *models.User) string {
	text := fmt.Sprintf("Новый замер #%d\nКлиент: %s", m.ID, m.LeadName)
	if m.Address != "" {
		text += "\nАдрес: " + m.Address
	}
	if m.Phone != "" {
		text += "\nТелефон: " + m.Phone
	}
	if m.OrderNumber != "" {
		text += "\nЗаказ: " + m.OrderNumber
	}
	return text
}

func renderPendingText(ctx context.Context, m *models.Measurement, proposal *Proposal) string {
	text := fmt.Sprintf("Заявка #%d ожидает подтверждения\nКлиент: %s", m.ID, m.LeadName)
	if proposal.Reason == models.ReasonNone {
		return text + "\nКандидат не найден, требуется ручной выбор"
	}
	candidate, err := models.GetUser(ctx, proposal.WorkerId)
	if err != nil {
		return text
	}
	return text + fmt.Sprintf("\nКандидат: %s (%s)", candidate.Name, proposal.Reason.Label())
}
