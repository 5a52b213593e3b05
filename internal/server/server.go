package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/spacesync/internal/access"
	"github.com/a-essam23/spacesync/internal/auth"
	"github.com/a-essam23/spacesync/internal/engine"
	"github.com/a-essam23/spacesync/internal/router"
	"github.com/a-essam23/spacesync/internal/server/middleware"
	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/config"
	"github.com/a-essam23/spacesync/pkg/state"
	"github.com/a-essam23/spacesync/pkg/state/statemanager"
	"github.com/a-essam23/spacesync/pkg/transport"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

type App struct {
	logger       *slog.Logger
	stateManager state.Manager
	eventRouter  *router.EventRouter
	registry     *engine.Registry
	verifier     *auth.Verifier
	access       access.Resolver
	store        store.Store
	wg           sync.WaitGroup
	http         *http.Server
	config       *config.Config

	ctx context.Context
}

// NewApp wires the room manager, command registry and router around st.
// revoked may be nil. cfg.Pipelines must already be compiled against
// registry.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, registry *engine.Registry, st store.Store, revoked auth.RevocationList) *App {
	stateManager := statemanager.NewInMemoryManager(logger)
	verifier := auth.NewVerifier(logger, cfg.Server.Auth.JWTSecret, revoked)
	resolver := access.NewStoreResolver(st)
	eventRouter := router.NewEventRouter(logger, stateManager, router.Options{
		Verifier:  verifier,
		Access:    resolver,
		Store:     st,
		Engine:    registry,
		Pipelines: cfg.Pipelines,
	})

	app := &App{
		logger:       logger.With(slog.String("component", "server")),
		stateManager: stateManager,
		eventRouter:  eventRouter,
		registry:     registry,
		verifier:     verifier,
		access:       resolver,
		store:        st,
		config:       cfg,
		ctx:          rootCtx,
	}

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	// Create a cycler function that closes over the stateManager and logger.
	connCycler := func(ip string) {
		oldest, found := a.stateManager.FindOldestIPConnection(ip)
		if found {
			a.logger.Info("Cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.ID.String()))
			// the close handshake needs the peer; don't hold up the new upgrade
			go oldest.Transport.Close(&transport.CloseError{Code: websocket.StatusPolicyViolation, Reason: "connection cycled by new connection"})
		}
	}
	upgrade := func(h http.Handler) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(a.logger),
			middleware.NewConnectionLimiter(
				a.logger,
				a.stateManager.GetIPConnectionCount,
				connCycler,
				a.config.Server.ConnectionLimit,
			),
		)
	}
	mux.Handle("GET /space/{spaceID}", upgrade(http.HandlerFunc(a.upgradeHandler)))
	// legacy route: the space comes from the join payload alone
	mux.Handle("GET /ws", upgrade(http.HandlerFunc(a.upgradeHandler)))

	api := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(a.logger),
			middleware.NewAuthMiddleware(a.logger, a.verifier),
		)
	}
	mux.Handle("GET /api/spaces/{spaceID}/snippets", api(a.listSnippets))
	mux.Handle("POST /api/spaces/{spaceID}/snippets", api(a.createSnippet))
	mux.Handle("GET /api/spaces/{spaceID}/snippets/{snippetID}", api(a.getSnippet))
	mux.Handle("PATCH /api/spaces/{spaceID}/snippets/{snippetID}", api(a.updateSnippet))
	mux.Handle("PUT /api/spaces/{spaceID}/snippets/{snippetID}/position", api(a.moveSnippet))
	mux.Handle("DELETE /api/spaces/{spaceID}/snippets/{snippetID}", api(a.deleteSnippet))

	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /debug/rooms", a.debugRooms)
	mux.HandleFunc("POST /debug/rooms/{spaceID}/notice", a.postNotice)
	return mux
}

// Handler exposes the routes without a listener.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// Run serves until the root context is cancelled, then shuts down.
func (a *App) Run() error {
	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("routeSpaceID", reqMeta.SpaceID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// connections outlive the root context; Shutdown closes them with a
	// going-away code instead
	conn := transport.NewConnection(
		context.WithoutCancel(r.Context()),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	if _, err := a.eventRouter.Open(conn, reqMeta.IP, reqMeta.SpaceID); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnHeartbeatHandler(a.eventRouter.HandleHeartbeat)
	conn.SetOnCloseHandler(a.eventRouter.HandleClose)

	connLogger.Info("Connection established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...", slog.Int("count", a.stateManager.TotalConnections()))
	for _, conn := range a.stateManager.AllConnections() {
		go conn.Transport.Close(&transport.CloseError{Code: websocket.StatusGoingAway, Reason: "server shutting down"})
	}

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("Timed out waiting for connections to close")
	}
	a.registry.Stop()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
