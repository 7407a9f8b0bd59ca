package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"upbit-trading-bot/config"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyStartup      NotificationType = "startup"
	NotifyOrderPlaced  NotificationType = "order_placed"
	NotifyOrderFailed  NotificationType = "order_failed"
	NotifyBuyFilled    NotificationType = "buy_filled"
	NotifyTradeClose   NotificationType = "trade_close"
	NotifyPendingDelay NotificationType = "pending_delay"
	NotifyCircuitTrip  NotificationType = "circuit_trip"
	NotifyCritical     NotificationType = "critical"
	NotifyInfo         NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Market     string
	Price      decimal.Decimal
	PnL        decimal.Decimal
	PnLPercent decimal.Decimal
	Timestamp  time.Time
}

// IsAlert reports whether the notification needs human attention
func (n *Notification) IsAlert() bool {
	switch n.Type {
	case NotifyOrderFailed, NotifyCircuitTrip, NotifyCritical, NotifyPendingDelay:
		return true
	}
	return false
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider. Provider
// failures are logged and never reach the trading cycle.
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// NewManagerFromConfig wires the configured providers
func NewManagerFromConfig(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := NewManager(logger)
	m.enabled = cfg.Enabled
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		Enabled:  cfg.Telegram.Enabled,
	}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{
		WebhookURL: cfg.Discord.WebhookURL,
		Enabled:    cfg.Discord.Enabled,
	}))
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers and returns the last failure
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if m == nil || !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	m.mu.RLock()
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.RUnlock()

	var lastErr error
	for _, n := range notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, notification); err != nil {
			m.logger.Warn().Err(err).
				Str("provider", n.Name()).
				Str("type", string(notification.Type)).
				Msg("Failed to deliver notification")
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) deliver(ctx context.Context, n *Notification) {
	_ = m.Send(ctx, n)
}

// NotifyStartup announces the agent and its markets
func (m *Manager) NotifyStartup(ctx context.Context, markets []string, dryRun bool) {
	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	m.deliver(ctx, &Notification{
		Type:    NotifyStartup,
		Title:   "🚀 Trading agent started",
		Message: fmt.Sprintf("Mode: %s\nMarkets: %v", mode, markets),
	})
}

// NotifyOrderPlaced reports an accepted order
func (m *Manager) NotifyOrderPlaced(ctx context.Context, market, orderType, orderUUID string, amount decimal.Decimal, reason string) {
	m.deliver(ctx, &Notification{
		Type:    NotifyOrderPlaced,
		Title:   fmt.Sprintf("📨 %s submitted: %s", orderType, market),
		Message: fmt.Sprintf("Amount: %s\nOrder: %s\nReason: %s", amount.String(), orderUUID, reason),
		Market:  market,
	})
}

// NotifyOrderFailed reports an order the exchange did not accept
func (m *Manager) NotifyOrderFailed(ctx context.Context, market, orderType string, err error) {
	m.deliver(ctx, &Notification{
		Type:    NotifyOrderFailed,
		Title:   fmt.Sprintf("⚠️ %s failed: %s", orderType, market),
		Message: err.Error(),
		Market:  market,
	})
}

// NotifyBuyFilled reports a settled buy and the resulting position
func (m *Manager) NotifyBuyFilled(ctx context.Context, market, orderType string, price, volume, avgEntry, size decimal.Decimal) {
	m.deliver(ctx, &Notification{
		Type:  NotifyBuyFilled,
		Title: fmt.Sprintf("📈 %s filled: %s", orderType, market),
		Message: fmt.Sprintf("Fill: %s @ %s\nPosition: %s @ avg %s",
			volume.String(), price.StringFixed(2), size.String(), avgEntry.StringFixed(2)),
		Market: market,
		Price:  price,
	})
}

// NotifyTradeClose reports a settled exit
func (m *Manager) NotifyTradeClose(ctx context.Context, market, orderType string, entry, exit, pnl, pnlPercent decimal.Decimal, remaining decimal.Decimal) {
	emoji := "✅"
	if pnl.IsNegative() {
		emoji = "❌"
	}
	position := "closed"
	if remaining.IsPositive() {
		position = fmt.Sprintf("%s remaining", remaining.String())
	}
	m.deliver(ctx, &Notification{
		Type:  NotifyTradeClose,
		Title: fmt.Sprintf("%s %s settled: %s", emoji, orderType, market),
		Message: fmt.Sprintf("Entry: %s → Exit: %s\nP&L: %s KRW (%s%%)\nPosition: %s",
			entry.StringFixed(2), exit.StringFixed(2), pnl.StringFixed(0), pnlPercent.StringFixed(2), position),
		Market:     market,
		Price:      exit,
		PnL:        pnl,
		PnLPercent: pnlPercent,
	})
}

// NotifyPendingDelay warns about an order that has not settled in time
func (m *Manager) NotifyPendingDelay(ctx context.Context, market, orderUUID string, elapsed time.Duration) {
	m.deliver(ctx, &Notification{
		Type:    NotifyPendingDelay,
		Title:   fmt.Sprintf("⏳ Order still pending: %s", market),
		Message: fmt.Sprintf("Order %s has been pending for %s", orderUUID, elapsed.Round(time.Second)),
		Market:  market,
	})
}

// NotifyCircuitTrip reports that the daily loss limit disabled a market
func (m *Manager) NotifyCircuitTrip(ctx context.Context, market string, todayPnL, limit decimal.Decimal) {
	m.deliver(ctx, &Notification{
		Type:    NotifyCircuitTrip,
		Title:   fmt.Sprintf("🛑 Daily loss limit hit: %s", market),
		Message: fmt.Sprintf("Today: %s KRW (limit %s KRW)\nTrading disabled until the next day", todayPnL.StringFixed(0), limit.StringFixed(0)),
		Market:  market,
		PnL:     todayPnL,
	})
}

// NotifyCritical reports a condition that needs manual intervention
func (m *Manager) NotifyCritical(ctx context.Context, market, message string) {
	m.deliver(ctx, &Notification{
		Type:    NotifyCritical,
		Title:   fmt.Sprintf("🚨 Manual intervention required: %s", market),
		Message: message,
		Market:  market,
	})
}

// NotifyInfo sends a plain message
func (m *Manager) NotifyInfo(ctx context.Context, title, message string) {
	m.deliver(ctx, &Notification{
		Type:    NotifyInfo,
		Title:   title,
		Message: message,
	})
}
