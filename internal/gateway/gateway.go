// ABOUTME: Gateway wiring the routing engine together and serving the WebSocket endpoint
// ABOUTME: Owns startup, the HTTP server, background loops, and graceful shutdown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/helpdeskd/helpdeskd/internal/allocation"
	"github.com/helpdeskd/helpdeskd/internal/bus"
	"github.com/helpdeskd/helpdeskd/internal/config"
	"github.com/helpdeskd/helpdeskd/internal/dedupe"
	"github.com/helpdeskd/helpdeskd/internal/lifecycle"
	"github.com/helpdeskd/helpdeskd/internal/reconcile"
	"github.com/helpdeskd/helpdeskd/internal/responder"
	"github.com/helpdeskd/helpdeskd/internal/room"
	"github.com/helpdeskd/helpdeskd/internal/session"
	"github.com/helpdeskd/helpdeskd/internal/store"
	"github.com/helpdeskd/helpdeskd/internal/transport"
)

const (
	shutdownTimeout = 10 * time.Second

	defaultDedupeTTL     = 10 * time.Minute
	defaultDedupeMaxSize = 10000
)

// Gateway is the composed routing engine: store, sessions, rooms,
// allocation, lifecycle, responder, reconciliation, and the fan-out bridge.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string

	store     store.Store
	sessions  *session.Registry
	rooms     *room.Tracker
	lifecycle *lifecycle.Service
	responder *responder.Orchestrator
	scheduler *reconcile.Scheduler
	bridge    *bus.Bridge
	busClient *bus.Client
}

// New creates a gateway from configuration. The store is opened and the bus
// connected here; Run starts the loops.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := uuid.New().String()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	sessions := session.NewRegistry(st, logger)
	rooms := room.NewTracker(logger)
	policy := allocation.NewPolicy(st, logger)
	lc := lifecycle.New(st, policy, logger)

	var gen responder.Generator
	if cfg.LLM.BaseURL != "" {
		gen = responder.NewLLMClient(responder.LLMConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
	}
	resp := responder.New(st, gen, sessions, rooms, logger)

	var busClient *bus.Client
	var cache *dedupe.Cache
	if cfg.Bus.Enabled {
		busClient, err = bus.NewClient(context.Background(), bus.Config{
			URL:      cfg.Bus.URL,
			Exchange: cfg.Bus.Exchange,
		}, instanceID, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connecting bus: %w", err)
		}
		ttl := cfg.Bus.DedupeTTL
		if ttl <= 0 {
			ttl = defaultDedupeTTL
		}
		maxSize := cfg.Bus.DedupeMaxSize
		if maxSize <= 0 {
			maxSize = defaultDedupeMaxSize
		}
		cache = dedupe.New(ttl, maxSize)
	}
	bridge := bus.NewBridge(rooms, busClient, cache, instanceID, logger)

	gw := &Gateway{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		instanceID: instanceID,
		store:      st,
		sessions:   sessions,
		rooms:      rooms,
		lifecycle:  lc,
		responder:  resp,
		bridge:     bridge,
		busClient:  busClient,
	}
	gw.scheduler = reconcile.NewScheduler(cfg.Reconciler.Interval, lc, st, gw.notifyAssigned, logger)

	return gw, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealthz)

	srv := &http.Server{
		Addr:    g.cfg.Server.HTTPAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go g.scheduler.Run(ctx)
	go func() {
		if err := g.bridge.Run(ctx); err != nil {
			g.logger.Error("bus bridge stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening",
			"http_addr", g.cfg.Server.HTTPAddr,
			"instance_id", g.instanceID,
			"bus_enabled", g.cfg.Bus.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.shutdownDeps()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http shutdown incomplete", "error", err)
	}
	g.shutdownDeps()
	g.logger.Info("shutdown complete")
	return nil
}

// shutdownDeps releases the bridge, bus, and store.
func (g *Gateway) shutdownDeps() {
	g.bridge.Close()
	if err := g.store.Close(); err != nil {
		g.logger.Warn("store close failed", "error", err)
	}
}

// handleWS upgrades the request and serves the connection until it drops.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	g.serveConn(r.Context(), conn)
}

// handleHealthz reports process health. The bus being down degrades the
// instance but conversations keep flowing locally, so it reports 503 only
// when the bus is configured and gone.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if g.busClient != nil && !g.busClient.Healthy() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"instance_id": g.instanceID,
		"sessions":    g.sessions.Count(),
	})
}

// notifyAssigned announces a successful allocation: the agent's connections
// learn about the new assignment, and the conversation's room hears that an
// agent joined. Invoked from both the request-driven path and the
// reconciliation sweep.
func (g *Gateway) notifyAssigned(conv *store.Conversation, agent *store.Agent) {
	conv.AgentID = &agent.ID
	conv.Status = store.StatusActive

	g.bridge.Broadcast(context.Background(), conv.RoomID, transport.EventAgentJoined, agentJoinedPayload{
		ConversationID: conv.ID,
		AgentID:        agent.ID,
	}, "")

	payload := conversationPayload(conv)
	for _, conn := range g.sessions.Connections(agent.ID) {
		if err := conn.Emit(transport.EventNewConversationReq, payload); err != nil {
			g.logger.Debug("assignment notify failed",
				"agent_id", agent.ID,
				"conn_id", conn.ID(),
				"error", err)
		}
	}
}
