// Package httpapi implements the external HTTP surface (C12): health
// and readiness probes, the user-authenticated JWT surface (plugin
// execution, workflow start, capability launch, cached reads), and
// the service-authenticated platform push endpoints, all following the
// error shape and close-code conventions named for the runtime's
// external interfaces.
package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mozaiks/core/internal/config"
	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/identity"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/internal/plugins"
	"github.com/mozaiks/core/internal/sessions"
	"github.com/mozaiks/core/internal/tracing"
	"github.com/mozaiks/core/internal/workflow"
)

// CapabilityDescriptor binds an "AI capability" id surfaced to clients
// to the workflow it launches, the mapping administrators configure
// once at startup rather than a separately reloadable registry.
type CapabilityDescriptor struct {
	DisplayName  string
	WorkflowName string
	Enabled      bool
}

// StaticPayloads holds the read-only config blobs spec §6.2's
// navigation/app-config/theme-config endpoints serve verbatim.
type StaticPayloads struct {
	Navigation  any
	AppConfig   any
	ThemeConfig any
}

// Server wires every HTTP handler to its backing component. Each
// field is an already-constructed dependency; Server performs no
// construction of its own beyond routing and auth middleware.
type Server struct {
	Config       *config.Config
	Resolver     *identity.Resolver
	Entitlements *entitlement.Evaluator
	Manifests    *entitlement.Store
	Dispatcher   *plugins.Dispatcher
	Registry     *plugins.Registry
	Orchestrator *orchestrator.Orchestrator
	Store        sessions.Store
	Workflows    *workflow.Cache
	Minter       *identity.ExecutionMinter
	Capabilities map[string]CapabilityDescriptor
	Static       StaticPayloads
	Logger       *slog.Logger
	Tracer       *tracing.Tracer

	startedAt time.Time
}

// NewServer constructs a Server. startedAt defaults to now if zero.
func NewServer(cfg *config.Config, resolver *identity.Resolver, entitlements *entitlement.Evaluator, manifests *entitlement.Store, dispatcher *plugins.Dispatcher, registry *plugins.Registry, orch *orchestrator.Orchestrator, store sessions.Store, workflows *workflow.Cache, minter *identity.ExecutionMinter, capabilities map[string]CapabilityDescriptor, static StaticPayloads, logger *slog.Logger) *Server {
	if capabilities == nil {
		capabilities = map[string]CapabilityDescriptor{}
	}
	return &Server{
		Config:       cfg,
		Resolver:     resolver,
		Entitlements: entitlements,
		Manifests:    manifests,
		Dispatcher:   dispatcher,
		Registry:     registry,
		Orchestrator: orch,
		Store:        store,
		Workflows:    workflows,
		Minter:       minter,
		Capabilities: capabilities,
		Static:       static,
		Logger:       logger,
		startedAt:    time.Now().UTC(),
	}
}

// Mux builds the routed http.Handler for the whole external surface.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /info", s.handleInfo)

	authed := s.authMiddleware

	mux.Handle("GET /api/plugins", authed(http.HandlerFunc(s.handlePluginsList)))
	mux.Handle("POST /api/execute/{plugin}", authed(http.HandlerFunc(s.handleExecutePlugin)))
	mux.Handle("GET /api/ai/capabilities", authed(http.HandlerFunc(s.handleAICapabilities)))
	mux.Handle("POST /api/ai/launch", authed(http.HandlerFunc(s.handleAILaunch)))
	mux.Handle("POST /api/chats/{app_id}/{workflow_name}/start", authed(http.HandlerFunc(s.handleChatStart)))
	mux.Handle("GET /api/chats/meta/{app_id}/{workflow_name}/{chat_id}", authed(http.HandlerFunc(s.handleChatMeta)))
	mux.Handle("GET /api/sessions/list/{app_id}/{user_id}", authed(http.HandlerFunc(s.handleSessionsList)))
	mux.Handle("GET /api/workflows/{app_id}/available", authed(http.HandlerFunc(s.handleWorkflowsAvailable)))
	mux.Handle("GET /api/navigation", authed(http.HandlerFunc(s.handleNavigation)))
	mux.Handle("GET /api/app-config", authed(http.HandlerFunc(s.handleAppConfig)))
	mux.Handle("GET /api/theme-config", authed(http.HandlerFunc(s.handleThemeConfig)))
	mux.Handle("GET /api/artifacts/{artifact_id}/cached", authed(http.HandlerFunc(s.handleArtifactCached)))

	serviceAuthed := func(h http.HandlerFunc) http.Handler {
		return authed(s.requireServiceRole(h))
	}
	mux.Handle("POST /api/internal/subscription/sync", serviceAuthed(s.handleSubscriptionSync))
	mux.Handle("POST /api/v1/entitlements/{app_id}/sync", serviceAuthed(s.handleEntitlementSync))

	if s.Tracer != nil {
		return s.tracingMiddleware(mux)
	}
	return mux
}

// tracingMiddleware opens one span per inbound request, named after
// the method and the route pattern the mux matched (not the raw path,
// so "/api/execute/sheets" and "/api/execute/slack" share a span name).
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if mux, ok := next.(*http.ServeMux); ok {
			if _, pattern := mux.Handler(r); pattern != "" {
				route = pattern[strings.IndexByte(pattern, ' ')+1:]
			}
		}
		ctx, span := s.Tracer.TraceHTTPRequest(r.Context(), r.Method, route)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware resolves the bearer token and attaches the identity
// to the request context, writing spec §7's structured error shape on
// failure instead of identity.Middleware's plain-text 401 (which is
// fine for the WebSocket upgrade path but not for this JSON surface).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := identity.ExtractBearer(r)
		id, err := s.Resolver.Validate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.Entitlements.RequireRateLimit(r.Context(), id.AppID, id.UserID, "http_request"); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
	})
}

// requireServiceRole rejects any identity that did not authenticate as
// an internal_service principal, per spec §6.3.
func (s *Server) requireServiceRole(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity.FromContext(r.Context())
		if !ok || !id.IsService {
			writeJSON(w, http.StatusForbidden, errorBody{Detail: "requires internal_service role", ErrorCode: "FORBIDDEN", StatusCode: http.StatusForbidden})
			return
		}
		next(w, r)
	})
}
