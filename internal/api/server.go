// Package api exposes the attribution service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/attribution"
	"github.com/sells-group/metric-attribution/internal/model"
)

// UserHeader carries the caller's user name.
const UserHeader = "X-User-Name"

// Service is the subset of attribution.Service the handlers call.
type Service interface {
	CreateTask(ctx context.Context, req attribution.CreateTaskRequest, creator string) (*attribution.TaskCreated, error)
	ListMetrics(ctx context.Context, name string, limit int) ([]model.MetricSummary, error)
	ListTrees(ctx context.Context, name string, limit int) ([]attribution.TreeBrief, error)
	GetTreeConfig(ctx context.Context, treeID string) (*attribution.TreeConfig, error)
	ListTasks(ctx context.Context, q attribution.TaskQuery) (*attribution.TaskList, error)
	GetTaskStatus(ctx context.Context, taskID string) (*attribution.TaskStatus, error)
	GetResult(ctx context.Context, taskID string) (*attribution.Result, error)
	GetReport(ctx context.Context, taskID string) (*model.AiReport, error)
}

// Options configures the router.
type Options struct {
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, opts Options) http.Handler {
	h := &handlers{svc: svc}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		ok(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/attribution", func(r chi.Router) {
		r.Get("/metrics", h.listMetrics)
		r.Get("/trees", h.listTrees)
		r.Get("/trees/{treeId}/config", h.treeConfig)
		r.Post("/tasks", h.createTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{taskId}/status", h.taskStatus)
		r.Get("/tasks/{taskId}/result", h.taskResult)
		r.Get("/tasks/{taskId}/ai-report", h.taskReport)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
