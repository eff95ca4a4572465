// Package worker provides async scoring of stored transaction batches.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Worker consumes scoring requests from the EventBus, runs the
// detection pipeline over stored transactions, and publishes the
// finished report back onto the bus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	detector *pipeline.Detector

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// UserIDs is the list of users to process (empty = global subscription)
	UserIDs []string
}

// NewWorker creates a new async scoring worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, detector *pipeline.Detector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		detector: detector,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing scoring requests for the given users.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.UserIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, userID := range cfg.UserIDs {
		if err := w.startUserWorker(userID); err != nil {
			slog.Error("failed to start worker for user",
				"user_id", userID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"user_count", len(cfg.UserIDs),
	)

	return nil
}

// startGlobalWorker subscribes across all users via the bus wildcard.
// Requests carry the real user ID in the payload.
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.AllUsers, domain.TopicScoringRequested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startUserWorker starts a worker for a specific user.
func (w *Worker) startUserWorker(userID string) error {
	sub, err := w.bus.Subscribe(w.ctx, userID, domain.TopicScoringRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.processRequest(ctx, userID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("user worker started",
		"user_id", userID,
		"topic", domain.TopicScoringRequested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processRequest(ctx, msg.UserID, msg)
}

// ScoringRequest is the message payload for async scoring.
type ScoringRequest struct {
	RequestID string    `json:"requestId"`
	UserID    string    `json:"userId"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
}

// ReportCompleted is published when a scoring run finishes.
type ReportCompleted struct {
	RequestID      string `json:"requestId"`
	ReportID       string `json:"reportId"`
	UserID         string `json:"userId"`
	AnomaliesFound int    `json:"anomaliesFound"`
}

// AnomalyDetected is published per anomalous transaction.
type AnomalyDetected struct {
	ReportID      string          `json:"reportId"`
	UserID        string          `json:"userId"`
	TransactionID string          `json:"transactionId"`
	Severity      domain.Severity `json:"severity"`
	Reason        string          `json:"reason"`
}

// processRequest loads the requested window of transactions, scores it,
// persists the report, and publishes the results.
func (w *Worker) processRequest(ctx context.Context, userID string, msg *domain.Message) error {
	start := time.Now()

	var req ScoringRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse scoring request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message user if provided
	if req.UserID != "" {
		userID = req.UserID
	}
	if userID == "" || userID == domain.AllUsers {
		return fmt.Errorf("scoring request %s has no user id", msg.ID)
	}

	slog.Debug("processing scoring request",
		"request_id", req.RequestID,
		"user_id", userID,
	)

	txs, err := w.repo.ListTransactions(ctx, userID, req.Since, req.Until)
	if err != nil {
		slog.Error("failed to load transactions",
			"request_id", req.RequestID,
			"user_id", userID,
			"error", err,
		)
		return err
	}

	report, err := w.detector.Detect(ctx, txs)
	if err != nil {
		slog.Error("scoring failed",
			"request_id", req.RequestID,
			"user_id", userID,
			"error", err,
		)
		return err
	}
	report.UserID = userID

	if err := w.repo.SaveReport(ctx, userID, report); err != nil {
		slog.Error("failed to save report",
			"report_id", report.ID,
			"error", err,
		)
	}

	completed := ReportCompleted{
		RequestID:      req.RequestID,
		ReportID:       report.ID,
		UserID:         userID,
		AnomaliesFound: report.Summary.AnomaliesFound,
	}
	payload, _ := json.Marshal(completed)
	if err := w.bus.Publish(ctx, userID, domain.TopicReportCompleted, payload); err != nil {
		slog.Error("failed to publish report completion",
			"report_id", report.ID,
			"error", err,
		)
	}

	for _, score := range report.Anomalies() {
		alert := AnomalyDetected{
			ReportID:      report.ID,
			UserID:        userID,
			TransactionID: score.TransactionID,
			Severity:      score.Severity,
			Reason:        score.Reason,
		}
		alertPayload, _ := json.Marshal(alert)
		if err := w.bus.Publish(ctx, userID, domain.TopicAnomalyDetected, alertPayload); err != nil {
			slog.Error("failed to publish anomaly alert",
				"transaction_id", score.TransactionID,
				"error", err,
			)
		}
	}

	slog.Info("scoring request processed",
		"request_id", req.RequestID,
		"user_id", userID,
		"report_id", report.ID,
		"scored", report.Summary.TotalTransactionsScored,
		"anomalies", report.Summary.AnomaliesFound,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
