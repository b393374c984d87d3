// Command merge-arrays joins the latest arrays published on two input topics
// and republishes their concatenation on an output topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creastat/arraymerge"
	"github.com/creastat/arraymerge/config"
	"github.com/creastat/arraymerge/core"
	"github.com/creastat/arraymerge/protocol"
	"github.com/creastat/arraymerge/stages"
	"github.com/creastat/arraymerge/transport"
	"github.com/creastat/infra/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "merge-arrays: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := telemetry.New(telemetry.Config{Level: cfg.LogLevel}).WithModule("merge-arrays")

	bus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	broadcaster := stages.NewWebSocketBroadcaster(stages.WebSocketBroadcasterConfig{Logger: logger})

	pipeline, err := buildPipeline(cfg, bus, broadcaster, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(cfg, bus, broadcaster, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(context.Background())

	// the pipeline only uses its input to learn when to drain
	input := make(chan core.Event)
	pipelineDone := make(chan struct{})

	g.Go(func() error {
		defer close(pipelineDone)
		// a finished pipeline takes the process down with it
		defer stop()

		logger.Info("Merging arrays",
			telemetry.String("input1", cfg.Input1Topic),
			telemetry.String("input2", cfg.Input2Topic),
			telemetry.String("output", cfg.OutputTopic),
			telemetry.String("transport", cfg.Transport))

		err := pipeline.Run(gctx, input, func(event core.Event) {
			switch e := event.(type) {
			case core.ErrorEvent:
				logger.Error("Pipeline error", telemetry.Err(e.Error))
			case core.DoneEvent:
				logger.Info("Merge stream finished", telemetry.Int("updates", e.Updates), telemetry.Int("emissions", e.Emissions))
			}
		})
		if err != nil {
			return err
		}
		return unexpectedStop(sigCtx, gctx)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", telemetry.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-sigCtx.Done():
		case <-gctx.Done():
		}
		logger.Info("Shutting down", telemetry.String("timeout", cfg.ShutdownTimeout.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// closing the input lets the stages drain in order
		close(input)

		select {
		case <-pipelineDone:
		case <-shutdownCtx.Done():
			logger.Warn("Pipeline did not drain in time, cancelling")
			pipeline.Cancel()
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// errPipelineStopped reports a pipeline that ended without being asked to,
// such as when every input subscription closed with the broker connection
var errPipelineStopped = errors.New("pipeline stopped unexpectedly")

// unexpectedStop returns errPipelineStopped unless shutdown was requested
// by a signal or by another failing component
func unexpectedStop(sigCtx, gctx context.Context) error {
	if sigCtx.Err() != nil || gctx.Err() != nil {
		return nil
	}
	return errPipelineStopped
}

// bus is the transport the service runs on
type bus interface {
	transport.Bus
	transport.SnapshotStore
}

func openBus(cfg config.Config, logger telemetry.Logger) (bus, error) {
	switch cfg.Transport {
	case config.TransportAMQP:
		amqpBus, err := transport.DialAMQP(cfg.AMQPURL, transport.AMQPConfig{
			Prefix:   cfg.AMQPPrefix,
			Prefetch: cfg.QueueDepth,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		// RabbitMQ has no key-value store; snapshots stay in process
		return struct {
			*transport.AMQP
			transport.SnapshotStore
		}{amqpBus, transport.NewMemory(1)}, nil

	case config.TransportRedis:
		redisBus := transport.NewRedis(transport.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Depth:    cfg.QueueDepth,
			Logger:   logger,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisBus.Ping(ctx); err != nil {
			redisBus.Close()
			return nil, err
		}
		return redisBus, nil

	default:
		return transport.NewMemory(cfg.QueueDepth), nil
	}
}

// buildPipeline wires source -> merge -> outputs, where outputs fans out to the
// publisher, the websocket clients and the snapshot recorder
func buildPipeline(cfg config.Config, b bus, broadcaster *stages.WebSocketBroadcaster, logger telemetry.Logger) (*arraymerge.Pipeline, error) {
	source := stages.NewSourceStage(stages.SourceStageConfig{
		Subscriber: b,
		Bindings: []stages.Binding{
			{Topic: cfg.Input1Topic, Slot: core.Slot1},
			{Topic: cfg.Input2Topic, Slot: core.Slot2},
		},
		Logger: logger,
	})

	publisher := stages.NewPublishSink(stages.PublishSinkConfig{
		Publisher: b,
		Topic:     cfg.OutputTopic,
		Logger:    logger,
	})

	recorder := stages.NewRecorderStage(stages.RecorderStageConfig{
		Saver: func(ctx context.Context, data []int32) error {
			body, err := protocol.EncodeArray(data)
			if err != nil {
				return err
			}
			return b.SaveSnapshot(ctx, cfg.SnapshotKey, body)
		},
		Logger: logger,
	})

	return arraymerge.NewBuilder().
		AddStage("source", source).
		AddJoin("merge", core.JoinConfig{Inputs: 2, Policy: core.JoinPolicyLatest}).
		AddFanOut("outputs", core.FanOutConfig{
			ErrorPolicy: core.ErrorPolicyIsolated,
			Branches: []core.BranchConfig{
				{Stage: publisher, EventFilter: []core.EventType{core.EventTypeMerged}},
				{Stage: broadcaster},
				{Stage: recorder, EventFilter: []core.EventType{core.EventTypeMerged}},
			},
		}).
		Connect("source", "merge").
		Connect("merge", "outputs").
		SetEntryNode("source").
		AddExitNode("outputs").
		Build()
}

func newMux(cfg config.Config, b bus, broadcaster *stages.WebSocketBroadcaster, logger telemetry.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", broadcaster)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// latest merged array, in wire format
	mux.HandleFunc("GET /latest", func(w http.ResponseWriter, r *http.Request) {
		body, err := b.LoadSnapshot(r.Context(), cfg.SnapshotKey)
		if err != nil {
			logger.Error("Failed to load snapshot", telemetry.Err(err))
			http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
			return
		}
		if body == nil {
			http.Error(w, "nothing merged yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	// publish an array on any topic; mostly useful with the memory transport
	mux.HandleFunc("POST /publish", func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			http.Error(w, "missing topic", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := protocol.DecodeArray(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := b.Publish(r.Context(), topic, body); err != nil {
			logger.Error("Failed to publish", telemetry.Err(err), telemetry.String("topic", topic))
			http.Error(w, "publish failed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}
