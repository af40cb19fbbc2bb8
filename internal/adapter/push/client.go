// Package push delivers warning notifications through the push gateway.
package push

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

// Client posts notifications to the push gateway.
// It implements warning.Notifier.
type Client struct {
	http    *resty.Client
	enabled bool
	logger  *slog.Logger
}

// NewClient builds the gateway client. When pushing is disabled the client
// logs each would-be delivery and reports success, which keeps the warning
// fanout testable without a gateway.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.PushGatewayURL).
		SetTimeout(cfg.PushTimeout).
		SetHeader("Content-Type", "application/json")
	if cfg.PushToken != "" {
		http.SetAuthToken(cfg.PushToken)
	}
	return &Client{http: http, enabled: cfg.PushEnabled, logger: logger}
}

// SendPush delivers one notification.
func (c *Client) SendPush(ctx context.Context, n domain.PushNotification) error {
	if !c.enabled {
		c.logger.Info("push disabled, dropping notification",
			"user_id", n.UserID,
			"priority", n.Priority,
		)
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(n).
		Post("/v1/notifications")
	if err != nil {
		return fmt.Errorf("send push to %s: %w", n.UserID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send push to %s: gateway returned %s", n.UserID, resp.Status())
	}
	return nil
}
