// Package transport implements the delivery transport over SQS. The engine
// hands a delivery request to the queue; the mobile push worker on the other
// end owns actual OS notification delivery and reports lifecycle events
// back. Cancellation is a tombstone message carrying the voided handle; the
// worker drops any pending delivery whose handle has been tombstoned.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"growmate/internal/types"
)

// maxSQSDelay is the hard SQS DelaySeconds ceiling. Deliveries further out
// are enqueued with the cap and re-delayed by the worker from the deliver_at
// field in the payload.
const maxSQSDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// deliveryMessage is the wire payload for a delivery request.
type deliveryMessage struct {
	Kind      string                `json:"kind"` // "deliver" or "cancel"
	Handle    string                `json:"handle"`
	Content   types.DeliveryContent `json:"content,omitempty"`
	DeliverAt time.Time             `json:"deliver_at,omitempty"`
}

// Publisher implements types.Transport over an SQS delivery queue, with a
// circuit breaker guarding the queue. When the breaker is open, requests
// fail fast with a retryable transport error instead of stacking up against
// a dead queue.
type Publisher struct {
	client   SQSSender
	queueURL string
	breaker  *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	clock    types.Clock
	logger   types.Logger
}

var _ types.Transport = (*Publisher)(nil)

// NewPublisher creates a Publisher for the given delivery queue.
func NewPublisher(client SQSSender, queueURL string, clock types.Clock, logger types.Logger) *Publisher {
	if clock == nil {
		clock = types.RealClock{}
	}

	cb := gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](gobreaker.Settings{
		Name:        "delivery-queue",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &Publisher{
		client:   client,
		queueURL: queueURL,
		breaker:  cb,
		clock:    clock,
		logger:   logger,
	}
}

// RequestDelivery enqueues a delivery request and returns the handle the
// worker will report lifecycle events under.
func (p *Publisher) RequestDelivery(ctx context.Context, content types.DeliveryContent, at time.Time) (string, error) {
	handle := "dlv_" + uuid.NewString()

	msg := deliveryMessage{
		Kind:      "deliver",
		Handle:    handle,
		Content:   content,
		DeliverAt: at,
	}

	if err := p.send(ctx, msg, p.delaySeconds(at)); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamTransport, "failed to enqueue delivery request", err)
	}

	p.logger.Info("delivery request enqueued",
		"handle", handle,
		"notification_id", content.NotificationID,
		"plant_id", content.PlantID,
		"deliver_at", at.Format(time.RFC3339),
	)
	return handle, nil
}

// CancelDelivery enqueues a tombstone voiding the handle. Tombstones are
// sent with no delay so they outrun the delivery they void.
func (p *Publisher) CancelDelivery(ctx context.Context, handle string) error {
	msg := deliveryMessage{
		Kind:   "cancel",
		Handle: handle,
	}

	if err := p.send(ctx, msg, 0); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamTransport, "failed to enqueue delivery cancellation", err)
	}

	p.logger.Info("delivery cancellation enqueued",
		"handle", handle,
	)
	return nil
}

// delaySeconds converts a deliver-at instant into an SQS delay, clamped to
// [0, 900].
func (p *Publisher) delaySeconds(at time.Time) int32 {
	delay := at.Sub(p.clock.Now())
	if delay <= 0 {
		return 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return int32(delay / time.Second)
}

func (p *Publisher) send(ctx context.Context, msg deliveryMessage, delaySeconds int32) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal delivery message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Kind),
			},
		},
	}

	_, err = p.breaker.Execute(func() (*sqs.SendMessageOutput, error) {
		return p.client.SendMessage(ctx, input)
	})
	if err != nil {
		return fmt.Errorf("transport: failed to send to %s: %w", p.queueURL, err)
	}
	return nil
}
