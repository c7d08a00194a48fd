package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webgrab/internal/auth"
	"github.com/shehryarbajwa/webgrab/internal/logging"
	"github.com/shehryarbajwa/webgrab/internal/metering"
	"github.com/shehryarbajwa/webgrab/internal/ratelimit"
	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// Operator serves metered operations.
type Operator interface {
	Execute(ctx context.Context, userID string, op models.Operation) (*metering.Result, error)
}

type Balances interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

type Files interface {
	Open(ctx context.Context, id string) (*models.Artifact, io.ReadCloser, error)
	Get(ctx context.Context, id string) (*models.Artifact, error)
	Delete(ctx context.Context, id string) error
}

type Actors interface {
	Stats() []models.ActorInfo
}

type Workspaces interface {
	Archive(userID string, w io.Writer) error
}

type Authenticator interface {
	Authenticate(r *http.Request) (auth.Principal, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	ops        Operator
	balances   Balances
	files      Files
	actors     Actors
	workspaces Workspaces
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(ops Operator, balances Balances, files Files, actors Actors, workspaces Workspaces, logger *zap.Logger) *Handler {
	return &Handler{
		ops:        ops,
		balances:   balances,
		files:      files,
		actors:     actors,
		workspaces: workspaces,
		logger:     logging.OrNop(logger),
	}
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(authn Authenticator, limiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// Preflight requests are answered by corsMiddleware.
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Permanent URLs are capability links and need no credentials.
	api.HandleFunc("/files/{id}", h.GetFile).Methods("GET")

	authed := api.PathPrefix("").Subrouter()
	authed.Use(AuthMiddleware(authn))

	// Operation endpoints (rate limited)
	ops := authed.PathPrefix("").Subrouter()
	ops.Use(RateLimitMiddleware(limiter))
	for _, kind := range models.Kinds {
		ops.HandleFunc("/"+string(kind), h.Operation(kind)).Methods("POST")
	}

	authed.HandleFunc("/credits", h.GetCredits).Methods("GET")
	authed.HandleFunc("/files/{id}", h.DeleteFile).Methods("DELETE")
	authed.HandleFunc("/debug/actors", h.DebugActors).Methods("GET")
	authed.HandleFunc("/debug/workspace", h.DebugWorkspace).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, models.Errorf(models.CodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})

	r.Use(RequestLogger(h.logger))
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Accept")
		w.Header().Set("Access-Control-Expose-Headers",
			"X-Credits-Cost, X-Credits-Remaining, X-From-Cache, X-Permanent-Url, X-File-Id, X-RateLimit-Limit, X-RateLimit-Remaining")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
