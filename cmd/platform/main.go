// Package main runs the qym platform service: engine-facing run ingestion,
// role-scoped visibility, the submit/approve workflow, and admin
// administration, all behind one HTTP server.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/qym-eval/qym/internal/config"
	"github.com/qym-eval/qym/internal/platform/admin"
	"github.com/qym-eval/qym/internal/platform/api"
	"github.com/qym-eval/qym/internal/platform/api/middleware"
	"github.com/qym-eval/qym/internal/platform/auth"
	"github.com/qym-eval/qym/internal/platform/eventbus"
	"github.com/qym-eval/qym/internal/platform/ingest"
	"github.com/qym-eval/qym/internal/platform/storage"
	"github.com/qym-eval/qym/internal/platform/visibility"
	"github.com/qym-eval/qym/internal/platform/workflow"
)

const (
	version = "1.0.0-dev"
	name    = "qym-platform"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: serverConfig.LogLevel}))
	logger.Info("starting platform service", slog.String("service", name), slog.String("version", version))

	dbConfig := storage.LoadConfig()

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	users := storage.NewUserStore(conn, logger)
	orgUnits := storage.NewOrgStore(conn, logger)
	settings := storage.NewSettingsStore(conn, logger)
	audit := storage.NewAuditStore(conn, logger)
	runs := storage.NewRunStore(conn, logger)
	events := storage.NewEventStore(conn, logger)
	approvals := storage.NewApprovalStore(conn, logger)
	keys := auth.NewPostgresKeyStore(conn, logger)

	publisher := buildEventPublisher(logger)
	if publisher != nil {
		defer publisher.Close()
	}

	baseURL := config.GetEnvStr("QYM_BASE_URL", "http://localhost:"+strconv.Itoa(serverConfig.Port))

	ingestService := &ingest.Service{
		Runs:    runs,
		Events:  events,
		Uploads: runs,
		BaseURL: baseURL,
		Logger:  logger,
	}

	if publisher != nil {
		ingestService.Publisher = publisher
	}

	visibilityService := &visibility.Service{
		Runs:           runs,
		Users:          users,
		Settings:       settings,
		LocalDevNoAuth: serverConfig.LocalDevNoAuth,
	}
	visibilityHandlers := &visibility.Handlers{Service: visibilityService, Logger: logger}

	workflowService := &workflow.Service{Runs: runs, Approvals: approvals, Org: orgUnits, Audit: audit}
	workflowHandlers := &workflow.Handlers{Service: workflowService, Logger: logger}

	adminHandlers := &admin.Handlers{Org: orgUnits, Users: users, Settings: settings, Audit: audit, Logger: logger}

	uiAuth := &auth.UIAuthenticator{
		Users:               users,
		BootstrapAdminEmail: serverConfig.BootstrapAdminEmail,
		BootstrapCreate: func(ctx context.Context, email string) (*storage.User, error) {
			return users.Create(ctx, &storage.User{Email: email, Name: email, Role: storage.RoleAdmin, Active: true})
		},
	}

	mux := http.NewServeMux()

	registerEngineRoutes(mux, ingestService)
	registerUIRoutes(mux, uiAuth, logger, visibilityHandlers, workflowHandlers, adminHandlers)

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	server := api.NewServer(&serverConfig, mux, keys, users, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("platform service stopped")
}

// registerEngineRoutes mounts the API-key-authenticated engine surface
// run creation, event ingestion, and post-hoc upload. Authentication
// for these paths is applied globally by api.NewServer via WithEngineAuth.
func registerEngineRoutes(mux *http.ServeMux, svc *ingest.Service) {
	mux.HandleFunc("POST /v1/runs", svc.HandleCreateRun)
	mux.HandleFunc("POST /v1/runs/{id}/events", svc.HandleApplyEvents)
	mux.HandleFunc("POST /v1/runs:upload", svc.HandleUpload)
}

// registerUIRoutes mounts the dashboard-facing surface: visibility, the
// submit/approve workflow, and admin. These authenticate via the X-User-Email
// seam (WithUIAuth) instead of the engine's API key, so each path is first
// registered as public with respect to the global engine-auth middleware,
// then wrapped individually with WithUIAuth before being handed to the mux.
func registerUIRoutes(
	mux *http.ServeMux,
	uiAuth *auth.UIAuthenticator,
	logger *slog.Logger,
	vis *visibility.Handlers,
	wf *workflow.Handlers,
	adm *admin.Handlers,
) {
	routes := map[string]http.HandlerFunc{
		"GET /api/runs":      vis.HandleListRuns,
		"GET /api/runs/{id}": vis.HandleGetRun,

		"POST /v1/runs/{id}/submit":  wf.HandleSubmit,
		"POST /v1/runs/{id}/approve": wf.HandleApprove,
		"POST /v1/runs/{id}/reject":  wf.HandleReject,

		"POST /v1/admin/org/units":                 adm.HandleCreateOrgUnit,
		"GET /v1/admin/org/units":                  adm.HandleListOrgUnits,
		"POST /v1/admin/org/units/{id}/manager":    adm.HandleAssignManager,
		"PUT /v1/admin/org/units/{id}/parent":      adm.HandleSetParent,
		"POST /v1/admin/org/units:rebuild-closure": adm.HandleRebuildClosure,
		"PUT /v1/admin/users/{id}":                 adm.HandleUpdateUser,
		"GET /v1/admin/settings":                   adm.HandleListSettings,
		"PUT /v1/admin/settings/{key}":             adm.HandleSetSetting,
	}

	wrapped := middleware.WithUIAuth(uiAuth.RequireUIPrincipal, logger)

	for pattern, handler := range routes {
		middleware.RegisterPublicEndpoint(pathOf(pattern))

		if strings.Contains(pattern, "/v1/admin/") {
			handler = requireAdmin(handler, logger)
		}

		mux.Handle(pattern, wrapped(handler))
	}
}

// requireAdmin gates a UI-authenticated handler to ADMIN principals only,
// the one role carrying no org unit and full org/user/settings authority.
func requireAdmin(next http.HandlerFunc, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || principal.Role != storage.RoleAdmin {
			api.WriteErrorResponse(w, r, logger, api.Forbidden("admin role required"))

			return
		}

		next(w, r)
	}
}

// pathOf strips the leading HTTP method from a ServeMux pattern, matching
// the raw path form publicEndpoints keys on.
func pathOf(pattern string) string {
	_, path, found := strings.Cut(pattern, " ")
	if !found {
		return pattern
	}

	return path
}

// buildEventPublisher starts a Kafka-backed eventbus.Publisher if brokers are
// configured, or returns nil to fall back to ingest's no-op publisher.
func buildEventPublisher(logger *slog.Logger) *eventbus.Publisher {
	brokersRaw := config.GetEnvStr("QYM_KAFKA_BROKERS", "")
	if brokersRaw == "" {
		logger.Warn("QYM_KAFKA_BROKERS not set - event bus fan-out disabled")

		return nil
	}

	topic := config.GetEnvStr("QYM_KAFKA_TOPIC", "qym.run-events")
	brokers := config.ParseCommaSeparatedList(brokersRaw)

	logger.Info("event bus fan-out enabled", slog.Any("brokers", brokers), slog.String("topic", topic))

	return eventbus.NewPublisher(eventbus.Config{Brokers: brokers, Topic: topic}, logger)
}
