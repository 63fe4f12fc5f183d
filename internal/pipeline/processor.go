package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// GroupDispatcher is the engine operation the pipeline drives.
type GroupDispatcher interface {
	DispatchToGroup(ctx context.Context, sel dispatch.Selector, title, body string) (*dispatch.Batch, error)
}

// Selector maps an alert onto the engine's audience selector. Circle and role
// alerts without an explicit role target monitoringRole.
func (a *CircleAlert) Selector(monitoringRole string) dispatch.Selector {
	role := a.Role
	if role == "" {
		role = monitoringRole
	}
	switch a.Mode {
	case ModeAdmin:
		return dispatch.Selector{AdminID: a.AdminID, IncludeLocation: true}
	case ModeRole:
		return dispatch.Selector{Role: role, StrictRole: true, IncludeLocation: a.IncludeLocation}
	default:
		return dispatch.Selector{
			GroupCode:       a.CircleCode,
			Role:            role,
			ExcludeID:       a.SenderUID,
			IncludeLocation: a.IncludeLocation,
		}
	}
}

// NewProcessor fans each alert out through the dispatch engine.
// Only audience resolution failures are returned (nack and redeliver); requests
// that can never succeed are logged and acked.
func NewProcessor(
	dispatcher GroupDispatcher,
	monitoringRole string,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[CircleAlert] {
	logger = logger.With("component", "CircleAlertProcessor")

	return func(ctx context.Context, original messagepipeline.Message, alert *CircleAlert) error {
		procLogger := logger.With(
			"mode", alert.Mode,
			"pubsub_msg_id", original.ID,
		)

		batch, err := dispatcher.DispatchToGroup(ctx, alert.Selector(monitoringRole), alert.Title, alert.Body)
		if err != nil {
			if errors.Is(err, dispatch.ErrDependency) {
				procLogger.Error("Audience resolution failed, message will be redelivered", "err", err)
				return err
			}
			procLogger.Warn("Dropping circle alert", "err", err)
			return nil
		}

		if batch.Empty() {
			procLogger.Info("No recipients for circle alert", "batch_id", batch.ID)
			return nil
		}
		c := batch.Counts()
		procLogger.Info("Circle alert dispatched",
			"batch_id", batch.ID, "sent", c.Sent, "skipped", c.Skipped, "failed", c.Failed)
		return nil
	}
}
