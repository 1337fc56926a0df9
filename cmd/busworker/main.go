// Command busworker is a minimal example service wiring the bus core
// end-to-end: load config, dial the broker, build a Producer Client and a
// Consumer Worker, register a couple of illustrative handlers, serve
// Prometheus metrics, and shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kkvrivishvili/nooble4-bus/internal/config"
	"github.com/kkvrivishvili/nooble4-bus/internal/metrics"
	"github.com/kkvrivishvili/nooble4-bus/pkg/client"
	"github.com/kkvrivishvili/nooble4-bus/pkg/contextstore"
	"github.com/kkvrivishvili/nooble4-bus/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-bus/pkg/handler"
	"github.com/kkvrivishvili/nooble4-bus/pkg/queuename"
	"github.com/kkvrivishvili/nooble4-bus/pkg/transport"
	"github.com/kkvrivishvili/nooble4-bus/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("busworker: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	redisTransport, err := transport.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer func() { _ = redisTransport.Close() }()

	authority, err := queuename.New(cfg.Prefix, cfg.Env)
	if err != nil {
		return fmt.Errorf("build naming authority: %w", err)
	}

	producer, err := client.New(redisTransport, authority, cfg.ServiceName, client.WithDefaultTimeout(cfg.DefaultTimeout))
	if err != nil {
		return fmt.Errorf("build producer client: %w", err)
	}

	store := contextstore.NewRedisStore(redisTransport.Client())

	m := metrics.NewMetrics(cfg.ServiceName, nil)
	go serveMetrics(m)

	healthPingType := fmt.Sprintf("%s.health.ping", cfg.ServiceName)

	b := worker.NewBuilder(redisTransport, authority, cfg.ServiceName).
		WithProducer(producer).
		WithMetrics(m).
		Register("management.agent.get_config", handler.Stateless(getAgentConfig)).
		Register("conversation.turn.append", handler.WithContext(store, sessionContextKey, appendTurn)).
		Register("embed.generate", handler.WithCallbacks(producer, generateEmbeddings)).
		Register(healthPingType, handler.Stateless(healthPing))

	w, err := b.Build()
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("busworker: starting", "service", cfg.ServiceName, "env", cfg.Env)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	go selfCheck(ctx, producer, healthPingType)

	select {
	case <-ctx.Done():
		slog.Info("busworker: shutdown signal received")
		w.Stop(10 * time.Second)
		return nil
	case err := <-errCh:
		return err
	}
}

// selfCheck demonstrates the pseudo-sync pattern end to end: it passes a
// zero timeout so SendPseudoSync falls back to the producer's configured
// default (NOOBLE_BUS_DEFAULT_TIMEOUT_SECONDS via client.WithDefaultTimeout),
// logging whatever response the worker's own health-ping handler returns.
func selfCheck(ctx context.Context, producer *client.Client, actionType string) {
	time.Sleep(500 * time.Millisecond)

	action, err := envelope.New(actionType, nil)
	if err != nil {
		slog.Error("busworker: build self-check action", "error", err)
		return
	}

	resp, err := producer.SendPseudoSync(ctx, action, 0)
	if err != nil {
		slog.Error("busworker: self-check pseudo-sync call failed", "error", err)
		return
	}
	if !resp.Success {
		slog.Warn("busworker: self-check returned an error response", "error", resp.Error)
		return
	}
	slog.Info("busworker: self-check ok", "data", string(resp.Data))
}

// healthPing is a stateless handler answering the self-check pseudo-sync
// call issued at startup.
func healthPing(ctx context.Context, action *envelope.Action, ec *worker.ExecutionContext) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func serveMetrics(m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	slog.Info("busworker: serving metrics", "addr", ":9090")
	if err := http.ListenAndServe(":9090", mux); err != nil {
		slog.Error("busworker: metrics server stopped", "error", err)
	}
}

// getAgentConfig is a stateless example handler returning a dummy agent
// config, or a NotFound error for an empty agent_id.
func getAgentConfig(ctx context.Context, action *envelope.Action, ec *worker.ExecutionContext) (any, error) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(action.Data, &req); err != nil {
		return nil, envelope.NewHandlerError(envelope.ErrorTypeValidation, "", fmt.Errorf("decode request: %w", err))
	}
	if req.AgentID == "" {
		return nil, envelope.NewHandlerError(envelope.ErrorTypeNotFound, "AGENT_NOT_FOUND", fmt.Errorf("agent %q not found", req.AgentID))
	}
	return map[string]string{"name": "bot", "model": "m"}, nil
}

func sessionContextKey(a *envelope.Action) string {
	return fmt.Sprintf("conversation:%s", a.SessionID)
}

type conversationState struct {
	Turns int `json:"turns"`
}

// appendTurn is a context-bearing example handler for an accumulating
// per-session conversation state.
func appendTurn(ctx context.Context, stored json.RawMessage, data json.RawMessage) (json.RawMessage, any, error) {
	var state conversationState
	if stored != nil {
		if err := json.Unmarshal(stored, &state); err != nil {
			return nil, nil, fmt.Errorf("decode stored state: %w", err)
		}
	}
	state.Turns++

	updated, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("encode updated state: %w", err)
	}
	return updated, state, nil
}

// generateEmbeddings is a callback-emitting example handler: in addition
// to its own return value, it fans out a telemetry action as a side
// effect.
func generateEmbeddings(ctx context.Context, action *envelope.Action, ec *worker.ExecutionContext, emit handler.Emit) (any, error) {
	var req struct {
		Texts []string `json:"texts"`
	}
	if err := json.Unmarshal(action.Data, &req); err != nil {
		return nil, envelope.NewHandlerError(envelope.ErrorTypeValidation, "", fmt.Errorf("decode request: %w", err))
	}

	embeddings := make([][]float64, len(req.Texts))
	for i := range req.Texts {
		embeddings[i] = []float64{0.1, 0.2, 0.3}
	}

	telemetry, err := envelope.New("telemetry.embedding.generated", map[string]any{"count": len(req.Texts)})
	if err == nil {
		_ = emit(ctx, telemetry)
	}

	return map[string]any{"embeddings": embeddings}, nil
}
