package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleStarted   EventType = "CYCLE_STARTED"
	EventCycleCompleted EventType = "CYCLE_COMPLETED"
	EventStateChanged   EventType = "STATE_CHANGED"
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderFailed    EventType = "ORDER_FAILED"
	EventOrderSettled   EventType = "ORDER_SETTLED"
	EventOrderReverted  EventType = "ORDER_REVERTED"
	EventTradeClosed    EventType = "TRADE_CLOSED"
	EventOracleDecision EventType = "ORACLE_DECISION"
	EventCircuitBreaker EventType = "CIRCUIT_BREAKER_UPDATE"
	EventEquityUpdate   EventType = "EQUITY_UPDATE"
	EventPriceUpdate    EventType = "PRICE_UPDATE"
	EventAssetHalted    EventType = "ASSET_HALTED"
	EventBotStarted     EventType = "BOT_STARTED"
	EventBotStopped     EventType = "BOT_STOPPED"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Market    string                 `json:"market,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions. Subscribers run on
// their own goroutine so a slow consumer never delays a cycle.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCycle publishes a cycle boundary
func (eb *EventBus) PublishCycle(eventType EventType, cycleTime time.Time, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["cycle_time"] = cycleTime
	eb.Publish(Event{Type: eventType, Data: data})
}

// PublishStateChanged publishes an asset state transition
func (eb *EventBus) PublishStateChanged(market, from, to, task string) {
	eb.Publish(Event{
		Type:   EventStateChanged,
		Market: market,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
			"task": task,
		},
	})
}

// PublishOrderPlaced publishes an accepted order
func (eb *EventBus) PublishOrderPlaced(market, orderUUID, orderType, amount, reason string) {
	eb.Publish(Event{
		Type:   EventOrderPlaced,
		Market: market,
		Data: map[string]interface{}{
			"order_uuid": orderUUID,
			"order_type": orderType,
			"amount":     amount,
			"reason":     reason,
		},
	})
}

// PublishSettlement publishes a reconciliation outcome
func (eb *EventBus) PublishSettlement(eventType EventType, market, orderType, action, message string) {
	eb.Publish(Event{
		Type:   eventType,
		Market: market,
		Data: map[string]interface{}{
			"order_type": orderType,
			"action":     action,
			"message":    message,
		},
	})
}

// PublishTradeClosed publishes a settled exit
func (eb *EventBus) PublishTradeClosed(market string, entryPrice, exitPrice, quantity, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type:   EventTradeClosed,
		Market: market,
		Data: map[string]interface{}{
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishOracleDecision publishes an oracle verdict
func (eb *EventBus) PublishOracleDecision(market, category, decision, fraction, reason string) {
	eb.Publish(Event{
		Type:   EventOracleDecision,
		Market: market,
		Data: map[string]interface{}{
			"category": category,
			"decision": decision,
			"fraction": fraction,
			"reason":   reason,
		},
	})
}

// PublishCircuitBreaker publishes a daily loss limit trip
func (eb *EventBus) PublishCircuitBreaker(market string, todayPnL float64) {
	eb.Publish(Event{
		Type:   EventCircuitBreaker,
		Market: market,
		Data: map[string]interface{}{
			"today_pnl":       todayPnL,
			"trading_enabled": false,
		},
	})
}

// PublishEquity publishes the per-cycle equity reading
func (eb *EventBus) PublishEquity(totalEquity, unrealized float64, openPositions int) {
	eb.Publish(Event{
		Type: EventEquityUpdate,
		Data: map[string]interface{}{
			"total_equity":   totalEquity,
			"unrealized_pnl": unrealized,
			"open_positions": openPositions,
		},
	})
}

// PublishPriceUpdate publishes a price update event
func (eb *EventBus) PublishPriceUpdate(market string, price float64) {
	eb.Publish(Event{
		Type:   EventPriceUpdate,
		Market: market,
		Data: map[string]interface{}{
			"price": price,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, market, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:   EventError,
		Market: market,
		Data:   data,
	})
}
