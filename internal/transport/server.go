package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mozaiks/core/internal/audit"
	"github.com/mozaiks/core/internal/entitlement"
	"github.com/mozaiks/core/internal/identity"
	"github.com/mozaiks/core/internal/orchestrator"
	"github.com/mozaiks/core/internal/sessions"
)

// Server upgrades authenticated WebSocket connections and attaches
// them to the Hub. Registered under a path carrying {workflow_name,
// app_id, chat_id, user_id}, per spec §4.10.
type Server struct {
	Hub          *Hub
	Orchestrator *orchestrator.Orchestrator
	Actions      ActionExecutor
	Store        sessions.Store
	Resolver     *identity.Resolver
	Entitlements *entitlement.Evaluator
	Audit        *audit.Logger
	Logger       *slog.Logger
	Heartbeat    time.Duration

	upgrader websocket.Upgrader
}

// NewServer constructs a Server. Heartbeat defaults to 120s (spec
// §4.10) when zero.
func NewServer(hub *Hub, orch *orchestrator.Orchestrator, actions ActionExecutor, store sessions.Store, resolver *identity.Resolver, entitlements *entitlement.Evaluator, auditLogger *audit.Logger, logger *slog.Logger, heartbeat time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 120 * time.Second
	}
	return &Server{
		Hub:          hub,
		Orchestrator: orch,
		Actions:      actions,
		Store:        store,
		Resolver:     resolver,
		Entitlements: entitlements,
		Audit:        auditLogger,
		Logger:       logger,
		Heartbeat:    heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, then validates tenancy before
// entering streaming mode. The socket is always upgraded first (so a
// policy close code can be delivered over the WebSocket protocol
// itself) and torn down immediately on a failed check.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workflowName := r.PathValue("workflow_name")
	appID := r.PathValue("app_id")
	chatID := r.PathValue("chat_id")
	userID := r.PathValue("user_id")

	token := identity.ExtractBearer(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if token == "" {
		closeAndLog(conn, closeAuthRequired, "missing bearer token")
		return
	}

	ident, err := s.Resolver.Validate(r.Context(), token)
	if err != nil {
		s.Logger.Info("transport: ws auth rejected", "err", err, "token", redactToken(token))
		closeAndLog(conn, closeAuthRequired, "invalid token")
		return
	}

	if ident.UserID != userID {
		closeAndLog(conn, closeTenancyMismatch, "user_id does not match token subject")
		return
	}
	if s.Entitlements != nil {
		if err := s.Entitlements.RequireSameTenant(r.Context(), ident.AppID, appID, "ws:"+chatID); err != nil {
			closeAndLog(conn, closeTenancyMismatch, "app_id not authorized")
			return
		}
	} else if ident.AppID != appID {
		closeAndLog(conn, closeTenancyMismatch, "app_id not authorized")
		return
	}

	connObj := newConnection(r.Context(), conn, s.Hub, s.Orchestrator, s.Actions, s.Store, s.Audit, s.Logger, s.Heartbeat, appID, userID, chatID, workflowName, ident)
	backlog := s.Hub.Register(connObj)
	connObj.run(backlog)
}

func closeAndLog(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	_ = conn.Close()
}
