// --- File: internal/platform/fcm/gateway.go ---
// Package fcm sends notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Gateway implements dispatch.MulticastGateway on FCM.
type Gateway struct {
	client MessagingClient
	logger *slog.Logger
}

// NewGateway accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewGateway(client MessagingClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With("component", "FCMGateway"),
	}
}

// Send pushes one message and returns the FCM message name as the receipt.
func (g *Gateway) Send(ctx context.Context, token string, payload dispatch.Payload) (string, error) {
	msg := &messaging.Message{
		Token:        token,
		Data:         payload.Data,
		Notification: notificationOf(payload),
	}

	id, err := g.client.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("fcm send failed: %w", err)
	}
	return id, nil
}

// SendMulticast pushes one payload to many tokens. The returned results are
// index-aligned with tokens; a non-nil error means the whole call failed.
func (g *Gateway) SendMulticast(ctx context.Context, tokens []string, payload dispatch.Payload) ([]dispatch.SendResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	msg := &messaging.MulticastMessage{
		Tokens:       tokens,
		Data:         payload.Data,
		Notification: notificationOf(payload),
	}

	br, err := g.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("fcm transport failed: %w", err)
	}

	results := make([]dispatch.SendResult, len(tokens))
	for idx := range tokens {
		if idx >= len(br.Responses) || br.Responses[idx] == nil {
			results[idx] = dispatch.SendResult{Err: fmt.Errorf("fcm returned no response for token")}
			continue
		}
		resp := br.Responses[idx]
		if resp.Success {
			results[idx] = dispatch.SendResult{Receipt: resp.MessageID}
			continue
		}
		if messaging.IsRegistrationTokenNotRegistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			g.logger.Info("FCM reported a dead token", "err", resp.Error)
		}
		results[idx] = dispatch.SendResult{Err: resp.Error}
	}

	g.logger.Debug("FCM multicast complete", "success", br.SuccessCount, "failure", br.FailureCount)
	return results, nil
}

func notificationOf(p dispatch.Payload) *messaging.Notification {
	return &messaging.Notification{
		Title: p.Title,
		Body:  p.Body,
	}
}
