package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/escrowd/service/metrics"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepaliveInterval = 10 * time.Second

// SSEPublisher fans JetStream events out to Server-Sent Events clients.
type SSEPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSSEPublisher connects to NATS. If m is nil, no connection metrics are recorded.
func NewSSEPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "escrowd-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{nc: nc, js: js, metrics: m, logger: logger}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// sseStream describes one JetStream stream exposed over SSE.
type sseStream struct {
	stream    string
	subject   func(escrow string) string
	eventName string
}

var (
	settlementSSE  = sseStream{natspkg.SettlementStream, natspkg.SettlementSubject, "settlement"}
	transactionSSE = sseStream{natspkg.TransactionStream, natspkg.TransactionSubject, "transaction"}
)

// handleStream streams new events of one escrow account until the client leaves.
// GET /api/v1/stream/settlements/{address}
// GET /api/v1/stream/transactions/{address}
func handleStream(publisher *SSEPublisher, s sseStream, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		consumerName := "sse-" + uuid.NewString()
		cons, err := publisher.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
			Name:              consumerName,
			FilterSubject:     s.subject(address),
			AckPolicy:         jetstream.AckExplicitPolicy,
			DeliverPolicy:     jetstream.DeliverNewPolicy,
			InactiveThreshold: 30 * time.Second,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to create consumer", "escrow", address, "stream", s.stream, "error", err)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			flusher.Flush()
			return
		}

		if publisher.metrics != nil {
			publisher.metrics.RecordSSEConnectionChange(address, 1)
			defer publisher.metrics.RecordSSEConnectionChange(address, -1)
		}
		logger.DebugContext(ctx, "SSE client connected",
			"escrow", address,
			"stream", s.stream,
			"consumer", consumerName,
			"remote_addr", r.RemoteAddr,
		)

		msgChan := make(chan jetstream.Msg, 10)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgChan <- msg:
			case <-ctx.Done():
			}
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to start consuming messages", "error", err)
			return
		}
		defer cc.Stop()

		fmt.Fprintf(w, "event: connected\ndata: {\"escrow_address\":%q}\n\n", address)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case msg := <-msgChan:
				data := msg.Data()
				if !json.Valid(data) {
					logger.WarnContext(ctx, "dropping malformed event", "subject", msg.Subject())
					msg.Ack()
					continue
				}

				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", s.eventName, data)
				flusher.Flush()
				msg.Ack()

				if publisher.metrics != nil {
					publisher.metrics.RecordSSEEventSent(address, s.eventName)
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "escrow", address, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
