package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const paymentEventsQueue = "payment_events"

// Event names pushed to the reconciliation queue.
const (
	EventAuthorized = "payment.authorized"
	EventSettled    = "payment.settled"
	EventRefunded   = "payment.refunded"
)

// PaymentEvents publishes ledger outcomes to a Redis list for downstream
// consumers (reconciliation, notifications). Events are only pushed after
// the owning database transaction has committed; publish failures are
// logged, never surfaced to the payment caller.
type PaymentEvents struct {
	redis *redis.Client
}

func NewPaymentEvents(redisClient *redis.Client) *PaymentEvents {
	return &PaymentEvents{redis: redisClient}
}

type PaymentEvent struct {
	Event         string `json:"event"`
	AppointmentID string `json:"appointmentId"`
	AccountID     string `json:"accountId"`
	Amount        int64  `json:"amount"`
	Timestamp     int64  `json:"timestamp"`
}

func (p *PaymentEvents) Publish(ctx context.Context, event, appointmentID, accountID string, amount int64) {
	if p == nil || p.redis == nil {
		return
	}

	data, err := json.Marshal(PaymentEvent{
		Event:         event,
		AppointmentID: appointmentID,
		AccountID:     accountID,
		Amount:        amount,
		Timestamp:     time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[EVENTS] Failed to marshal %s event: %v", event, err)
		return
	}

	if err := p.redis.RPush(ctx, paymentEventsQueue, string(data)).Err(); err != nil {
		log.Printf("[EVENTS] Failed to queue %s event: %v", event, err)
	}
}
