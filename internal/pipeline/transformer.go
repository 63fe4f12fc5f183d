// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the asynchronous circle-alert ingestion components.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// Alert modes carried on the wire.
const (
	ModeCircle = "circle"
	ModeAdmin  = "admin"
	ModeRole   = "role"
)

// CircleAlert is the Pub/Sub message body requesting a group notification.
type CircleAlert struct {
	Mode            string `json:"mode"`
	CircleCode      string `json:"circleCode,omitempty"`
	AdminID         string `json:"adminId,omitempty"`
	SenderUID       string `json:"senderUid,omitempty"`
	Role            string `json:"role,omitempty"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	IncludeLocation bool   `json:"includeLocation,omitempty"`
}

// CircleAlertTransformer unmarshals and validates a raw message payload.
// Anything it rejects is a poison message: skip=true so the StreamingService
// leaves it to the dead-letter policy.
func CircleAlertTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*CircleAlert, bool, error) {
	var alert CircleAlert
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal circle alert from message %s: %w", msg.ID, err)
	}

	if alert.Mode == "" {
		switch {
		case alert.AdminID != "":
			alert.Mode = ModeAdmin
		case alert.CircleCode != "":
			alert.Mode = ModeCircle
		default:
			alert.Mode = ModeRole
		}
	}

	switch alert.Mode {
	case ModeCircle:
		if alert.CircleCode == "" {
			return nil, true, fmt.Errorf("circle alert %s is missing circleCode", msg.ID)
		}
	case ModeAdmin:
		if alert.AdminID == "" {
			return nil, true, fmt.Errorf("circle alert %s is missing adminId", msg.ID)
		}
	case ModeRole:
	default:
		return nil, true, fmt.Errorf("circle alert %s has unknown mode %q", msg.ID, alert.Mode)
	}

	if alert.Title == "" || alert.Body == "" {
		return nil, true, fmt.Errorf("circle alert %s is missing title or body", msg.ID)
	}
	return &alert, false, nil
}
