// Package app wires the bridge together and owns startup and shutdown order.
// Subsystems stop in dependency order: no new events (ingestor), drain
// in-flight work (router), stop the control loop (reconciler), close the
// outward surfaces (HTTP, maintenance), release storage last.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/ajisai/watari/internal/watari/alert"
	"github.com/ajisai/watari/internal/watari/config"
	"github.com/ajisai/watari/internal/watari/dedupe"
	"github.com/ajisai/watari/internal/watari/httpapi"
	"github.com/ajisai/watari/internal/watari/ingest"
	"github.com/ajisai/watari/internal/watari/letta"
	"github.com/ajisai/watari/internal/watari/maintenance"
	"github.com/ajisai/watari/internal/watari/matrix"
	"github.com/ajisai/watari/internal/watari/provision"
	"github.com/ajisai/watari/internal/watari/reconcile"
	"github.com/ajisai/watari/internal/watari/router"
	"github.com/ajisai/watari/internal/watari/store"
	"github.com/ajisai/watari/internal/watari/stream"
)

// namer keeps the room naming scheme in one place for both the provisioner
// and the reconciler.
type namer struct{}

func (namer) RoomName(agentName string) string  { return provision.RoomNameForAgent(agentName) }
func (namer) RoomTopic(agentName string) string { return provision.RoomTopicForAgent(agentName) }

// App holds every subsystem of the bridge.
type App struct {
	cfg *config.Config

	store      *store.Store
	matrix     *matrix.Client
	letta      *letta.Client
	alerter    alert.Notifier
	reconciler *reconcile.Reconciler
	router     *router.Router
	ingestor   *ingest.Ingestor
	httpServer *httpapi.Server
	janitor    *maintenance.Janitor
}

// New builds the application graph. No network calls happen here; Run
// performs the logins and starts the loops.
func New(cfg *config.Config) (*App, error) {
	s, err := store.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	mx, err := matrix.New(matrix.Config{
		Homeserver:    cfg.MatrixHomeserverURL,
		BotUser:       cfg.MatrixBotUser,
		BotPassword:   cfg.MatrixBotPassword,
		AdminUser:     cfg.MatrixAdminUser,
		AdminPassword: cfg.MatrixAdminPassword,
		SharedSecret:  cfg.RegistrationSharedSecret,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("app: matrix client: %w", err)
	}

	lt, err := letta.New(letta.Config{
		BaseURL: cfg.AgentServiceURL,
		Token:   cfg.AgentServiceToken,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("app: agent service client: %w", err)
	}

	var alerter alert.Notifier = alert.Nop{}
	if cfg.AlertURL != "" {
		alerter = alert.NewPusher(cfg.AlertURL, cfg.AlertTopic)
	}

	coreUsers := make([]id.UserID, 0, len(cfg.CoreUsers))
	for _, u := range cfg.CoreUsers {
		coreUsers = append(coreUsers, id.UserID(u))
	}
	provisioner := provision.New(provision.Config{CoreUsers: coreUsers}, mx, lt, s)

	reconciler := reconcile.New(reconcile.Config{
		Interval:         cfg.ReconcileInterval,
		Grace:            cfg.SoftDeleteGrace,
		DisabledAgentIDs: cfg.DisabledSet(),
	}, lt, s, provisioner, mx, alerter, namer{})

	streamer := stream.New(stream.Config{LiveEdit: cfg.LiveEditMode}, mx)

	rt := router.New(router.Config{
		IdleTimeout:  cfg.IdleTimeout,
		TotalTimeout: cfg.TotalTimeout,
		Streaming:    cfg.StreamingEnabled,
	}, lt, mx, streamer, s, alerter)

	dd := dedupe.New(s.DB(), cfg.DedupeTTL)
	ingestor := ingest.New(mx, dd, s, rt)

	app := &App{
		cfg:        cfg,
		store:      s,
		matrix:     mx,
		letta:      lt,
		alerter:    alerter,
		reconciler: reconciler,
		router:     rt,
		ingestor:   ingestor,
		janitor:    maintenance.New(dd, s, 0),
	}
	if cfg.HTTPAddr != "" {
		app.httpServer = httpapi.New(cfg.HTTPAddr, cfg.WebhookSecret, s, reconciler, rt, dd, rt)
	}
	return app, nil
}

// Run starts every subsystem and blocks until ctx is cancelled or a fatal
// subsystem error occurs, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	if err := a.matrix.Start(ctx); err != nil {
		a.store.Close()
		return fmt.Errorf("app: matrix login: %w", err)
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	reconCtx, stopRecon := context.WithCancel(context.Background())

	fatal := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.ingestor.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			fatal <- fmt.Errorf("ingestor: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.reconciler.Run(reconCtx); err != nil && reconCtx.Err() == nil {
			fatal <- fmt.Errorf("reconciler: %w", err)
		}
	}()

	if a.httpServer != nil {
		if err := a.httpServer.Start(ctx); err != nil {
			stopLoops()
			stopRecon()
			wg.Wait()
			a.store.Close()
			return err
		}
	}
	if err := a.janitor.Start(); err != nil {
		slog.Warn("maintenance scheduler failed to start", "error", err)
	}
	slog.Info("bridge running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		slog.Error("subsystem failed, shutting down", "error", runErr)
	}

	// Shutdown order: stop ingesting first so nothing new enters the router,
	// drain the router, stop the reconciler, then the outward surfaces.
	stopLoops()
	if err := a.router.Shutdown(context.Background()); err != nil {
		slog.Warn("router shutdown", "error", err)
	}
	stopRecon()
	wg.Wait()
	if a.httpServer != nil {
		a.httpServer.Stop()
	}
	a.janitor.Stop()
	if err := a.store.Close(); err != nil {
		slog.Warn("store close", "error", err)
	}
	slog.Info("bridge stopped")
	return runErr
}
