package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes escrow events to NATS.
type Publisher interface {
	// PublishTransactionBatch publishes one event per newly stored record.
	// Individual failures are logged and skipped.
	PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error

	// PublishSettlement publishes a settled pair.
	PublishSettlement(ctx context.Context, event *SettlementEvent) error

	Close() error
}

const (
	// TransactionStream holds ingested escrow records.
	TransactionStream = "TRANSACTIONS"
	// TransactionSubjects is the subject pattern of TransactionStream.
	TransactionSubjects = "txns.*"

	// SettlementStream holds settled pairs.
	SettlementStream = "SETTLEMENTS"
	// SettlementSubjects is the subject pattern of SettlementStream.
	SettlementSubjects = "settlements.*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// TransactionSubject returns the subject for an escrow account's records.
func TransactionSubject(escrow string) string { return "txns." + escrow }

// SettlementSubject returns the subject for an escrow account's settlements.
func SettlementSubject(escrow string) string { return "settlements." + escrow }

// JetStreamPublisher publishes events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Connect dials NATS with the reconnect settings every escrowd process uses.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewPublisher connects to NATS and ensures both streams exist.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "escrowd-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, metrics: m, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStreams(ctx, js, logger); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("NATS publisher initialized", "url", natsURL)
	return p, nil
}

// EnsureStreams creates the escrowd streams when they are missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        TransactionStream,
			Description: "Escrow records ingested from the ledger",
			Subjects:    []string{TransactionSubjects},
		},
		{
			Name:        SettlementStream,
			Description: "Settled escrow pairs",
			Subjects:    []string{SettlementSubjects},
		},
	}

	for _, cfg := range streams {
		if _, err := js.Stream(ctx, cfg.Name); err == nil {
			logger.Debug("JetStream stream already exists", "stream", cfg.Name)
			continue
		}

		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = StreamRetention
		cfg.Storage = jetstream.FileStorage
		cfg.Replicas = 1

		if _, err := js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		logger.Info("JetStream stream created", "stream", cfg.Name)
	}
	return nil
}

func (p *JetStreamPublisher) publish(ctx context.Context, stream, subject string, event any) error {
	start := time.Now()
	status := "ok"
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordNATSPublish(stream, status, time.Since(start).Seconds())
		}
	}()

	data, err := json.Marshal(event)
	if err != nil {
		status = "error"
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		status = "error"
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (p *JetStreamPublisher) PublishTransactionBatch(ctx context.Context, events []*TransactionEvent) error {
	for _, event := range events {
		if err := p.publish(ctx, TransactionStream, TransactionSubject(event.EscrowAddress), event); err != nil {
			p.logger.ErrorContext(ctx, "failed to publish transaction event",
				"hash", event.Hash,
				"escrow", event.EscrowAddress,
				"error", err,
			)
			continue
		}
	}
	p.logger.DebugContext(ctx, "published transaction batch", "count", len(events))
	return nil
}

func (p *JetStreamPublisher) PublishSettlement(ctx context.Context, event *SettlementEvent) error {
	if err := p.publish(ctx, SettlementStream, SettlementSubject(event.EscrowAddress), event); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "published settlement event",
		"escrow", event.EscrowAddress,
		"sell_hash", event.SellHash,
		"buy_hash", event.BuyHash,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
