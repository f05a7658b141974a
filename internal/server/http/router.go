package http

import (
	"net/http"

	"mira/internal/logging"
	"mira/internal/observability"
	"mira/internal/server/app"
)

// NewRouter creates the HTTP router with all endpoints.
func NewRouter(coordinator *app.Coordinator, environment string, allowedOrigins []string, obs *observability.Observability) http.Handler {
	logger := logging.NewComponentLogger("Router")

	sseHandler := NewSSEHandler(coordinator, WithSSEObservability(obs))
	apiHandler := NewAPIHandler(coordinator, WithAPIObservability(obs))

	mux := http.NewServeMux()

	// Run admission endpoints
	mux.Handle("/api/runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			apiHandler.HandleSubmitRun(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.Handle("/api/runs/status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			apiHandler.HandleRunStatus(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.Handle("/api/runs/cancel", postOnly(apiHandler.HandleCancelRun))
	mux.Handle("/api/runs/abandon", postOnly(apiHandler.HandleAbandonRun))
	mux.Handle("/api/runs/abandon-subject", postOnly(apiHandler.HandleAbandonSubject))

	mux.Handle("/api/runs/snapshot", http.HandlerFunc(apiHandler.HandleSnapshot))
	mux.Handle("/api/feed/metrics", http.HandlerFunc(apiHandler.HandleFeedMetrics))

	// SSE endpoint
	mux.Handle("/api/sse", http.HandlerFunc(sseHandler.HandleEventStream))

	// Health check endpoint
	mux.Handle("/health", http.HandlerFunc(apiHandler.HandleHealthCheck))

	// Apply middleware
	var handler http.Handler = mux
	handler = ObservabilityMiddleware(obs)(handler)
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware(environment, allowedOrigins)(handler)

	return handler
}

func postOnly(handle http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handle(w, r)
	})
}
