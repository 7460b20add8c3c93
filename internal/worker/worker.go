// Package worker rates orders received over the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/railrate/internal/domain"
)

// Rater is the part of the rating pipeline the worker needs.
type Rater interface {
	Rate(ctx context.Context, rc *domain.RatingContext) (*domain.RatingResult, error)
	RateWithTax(ctx context.Context, rc *domain.RatingContext) (*domain.RatingResult, error)
}

// Worker consumes rating requests from the EventBus and publishes results.
type Worker struct {
	bus   domain.EventBus
	rater Rater

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topics to consume; empty means domain.TopicRatingRequest
	Topics []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, rater Rater) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		rater:  rater,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicRatingRequest}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("rating worker started", "topics", topics)
	return nil
}

// RatingRequest is the message payload for a rating request.
type RatingRequest struct {
	RequestID string               `json:"requestId"`
	WithTax   bool                 `json:"withTax,omitempty"`
	Context   domain.RatingContext `json:"context"`
}

// RatingResponse is published on domain.TopicRatingResult and sent as the
// reply to a request.
type RatingResponse struct {
	RequestID string               `json:"requestId"`
	Result    *domain.RatingResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req RatingRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse rating request",
			"message_id", msg.ID,
			"error", err,
		)
		w.respond(ctx, msg, &RatingResponse{RequestID: msg.ID, Error: "invalid rating request: " + err.Error()})
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	var (
		result *domain.RatingResult
		err    error
	)
	if req.WithTax {
		result, err = w.rater.RateWithTax(ctx, &req.Context)
	} else {
		result, err = w.rater.Rate(ctx, &req.Context)
	}

	resp := &RatingResponse{RequestID: req.RequestID, Result: result}
	if err != nil {
		w.failed.Add(1)
		resp.Error = err.Error()
		slog.Error("rating failed",
			"request_id", req.RequestID,
			"error", err,
		)
	} else {
		w.processed.Add(1)
	}

	w.respond(ctx, msg, resp)

	if err == nil {
		slog.Info("rating request processed",
			"request_id", req.RequestID,
			"rating_id", result.ID,
			"subtotal", result.Subtotal.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return err
}

// respond publishes resp on the result topic and answers the requester.
func (w *Worker) respond(ctx context.Context, msg *domain.Message, resp *RatingResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode rating response", "request_id", resp.RequestID, "error", err)
		return
	}

	if err := w.bus.Publish(ctx, domain.TopicRatingResult, payload); err != nil {
		slog.Error("failed to publish rating result",
			"request_id", resp.RequestID,
			"error", err,
		)
	}

	if msg.ReplyTo != "" {
		if err := w.bus.Reply(ctx, msg, payload); err != nil {
			slog.Error("failed to reply to rating request",
				"request_id", resp.RequestID,
				"error", err,
			)
		}
	}
}

// Stop gracefully stops all subscriptions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("rating worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
