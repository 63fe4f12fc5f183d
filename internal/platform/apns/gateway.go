// --- File: internal/platform/apns/gateway.go ---
// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Gateway implements dispatch.Gateway on APNs. APNs has no multicast endpoint.
type Gateway struct {
	client APNSClient
	topic  string // The App Bundle ID
	logger *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Sandbox      bool
}

// NewGateway parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return NewGatewayWithClient(client, cfg.BundleID, logger), nil
}

func NewGatewayWithClient(client APNSClient, topic string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSGateway"),
	}
}

// Send pushes one notification and returns the apns-id as the receipt.
func (g *Gateway) Send(ctx context.Context, deviceToken string, p dispatch.Payload) (string, error) {
	builder := payload.NewPayload().
		AlertTitle(p.Title).
		AlertBody(p.Body)
	for k, v := range p.Data {
		builder.Custom(k, v)
	}

	res, err := g.client.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       g.topic,
		Payload:     builder,
	})
	if err != nil {
		return "", fmt.Errorf("apns transport failed: %w", err)
	}

	if !res.Sent() {
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			g.logger.Info("APNs reported a dead token", "reason", res.Reason)
		default:
			g.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
		return "", fmt.Errorf("apns rejected notification: status=%d reason=%s", res.StatusCode, res.Reason)
	}
	return res.ApnsID, nil
}
