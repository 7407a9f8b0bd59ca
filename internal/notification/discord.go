package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func embedColor(n *Notification) int {
	switch {
	case n.IsAlert():
		return 0xFF0000
	case n.Type == NotifyTradeClose && n.PnL.IsNegative():
		return 0xFF8C00
	default:
		return 0x00FF00
	}
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       embedColor(notification),
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Market != "" {
		fields := []map[string]interface{}{
			{"name": "Market", "value": notification.Market, "inline": true},
		}
		if notification.Price.IsPositive() {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": notification.Price.StringFixed(2), "inline": true,
			})
		}
		if !notification.PnL.IsZero() {
			fields = append(fields, map[string]interface{}{
				"name":   "P&L",
				"value":  fmt.Sprintf("%s (%s%%)", notification.PnL.StringFixed(0), notification.PnLPercent.StringFixed(2)),
				"inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
