// Package events is the in-process pub/sub fabric between the trading
// engine and the delivery layers (websocket hub, log sinks).
package events

import (
	"sync"
	"time"
)

// EventType labels what happened.
type EventType string

const (
	EventTradeExecuted   EventType = "TRADE_EXECUTED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionUpdated EventType = "POSITION_UPDATED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventSignal          EventType = "SIGNAL"
	EventRiskRejected    EventType = "RISK_REJECTED"
	EventTickCompleted   EventType = "TICK_COMPLETED"
	EventSimulationDone  EventType = "SIMULATION_DONE"
	EventStatusReport    EventType = "STATUS_REPORT"
	EventError           EventType = "ERROR"
)

// Event is one published fact. UserID scopes delivery: empty means
// every connected client may see it.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one event. Handlers run on their own goroutine
// and must not assume ordering across events.
type Subscriber func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[EventType][]Subscriber)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers the event. Handlers run detached so a slow consumer
// never blocks the trading path.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishTrade reports one filled order.
func (b *Bus) PublishTrade(userID, market, side string, price, volume, fee float64) {
	b.Publish(Event{
		Type:   EventTradeExecuted,
		UserID: userID,
		Data: map[string]interface{}{
			"market": market,
			"side":   side,
			"price":  price,
			"volume": volume,
			"fee":    fee,
		},
	})
}

// PublishPositionClosed reports a completed round trip.
func (b *Bus) PublishPositionClosed(userID, market, exitReason string, realizedPnL float64) {
	b.Publish(Event{
		Type:   EventPositionClosed,
		UserID: userID,
		Data: map[string]interface{}{
			"market":       market,
			"exit_reason":  exitReason,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishRiskRejected reports a vetoed entry.
func (b *Bus) PublishRiskRejected(userID, market, code, detail string) {
	b.Publish(Event{
		Type:   EventRiskRejected,
		UserID: userID,
		Data: map[string]interface{}{
			"market": market,
			"code":   code,
			"detail": detail,
		},
	})
}

// PublishError reports a recoverable failure.
func (b *Bus) PublishError(userID, scope string, err error) {
	b.Publish(Event{
		Type:   EventError,
		UserID: userID,
		Data: map[string]interface{}{
			"scope": scope,
			"error": err.Error(),
		},
	})
}
