// --- File: notificationservice/service.go ---
package notificationservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-circle-notifier/internal/api"
	"github.com/tinywideclouds/go-circle-notifier/internal/metrics"
	"github.com/tinywideclouds/go-circle-notifier/internal/pipeline"
	"github.com/tinywideclouds/go-circle-notifier/notificationservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.CircleAlert]
	logger          *slog.Logger
}

// New assembles the service. consumer may be nil, in which case only the
// HTTP surface runs.
func New(
	cfg *config.Config,
	dispatcher api.Dispatcher,
	consumer messagepipeline.MessageConsumer,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Ingestion Pipeline (optional)
	var streamingService *messagepipeline.StreamingService[pipeline.CircleAlert]
	if consumer != nil {
		processor := pipeline.NewProcessor(dispatcher, cfg.MonitoringRole, logger)

		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.CircleAlertTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. API
	notifyAPI := api.NewNotifyAPI(dispatcher, cfg.MonitoringRole, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(handlerFunc))
	}

	handle("POST /send-notification", notifyAPI.SendNotification)
	handle("POST /notify-circle-members", notifyAPI.NotifyCircleMembers)
	handle("POST /notify-admin-circle", notifyAPI.NotifyAdminCircle)
	handle("POST /notify-monitoring-users", notifyAPI.NotifyMonitoringUsers)

	// CORS preflight
	mux.Handle("OPTIONS /", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /metrics", m.Handler())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Circle alert pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
