// Package coordinator is the composition root: it wires the store
// repositories, run queue, runner registry, session store, callback
// orchestrator, fanout hub, blueprint store, and HTTP API into one
// supervised process, grounded on the teacher's cmd/kandev boot sequence
// but factored into a reusable struct instead of an inline main().
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentctrl/internal/api"
	"github.com/kandev/agentctrl/internal/blueprint"
	"github.com/kandev/agentctrl/internal/callback"
	"github.com/kandev/agentctrl/internal/common/config"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/fanout"
	"github.com/kandev/agentctrl/internal/queue"
	"github.com/kandev/agentctrl/internal/runner"
	"github.com/kandev/agentctrl/internal/session"
	"github.com/kandev/agentctrl/internal/store"
)

// Coordinator holds every wired component and supervises their lifecycle.
type Coordinator struct {
	cfg *config.Config
	log *logger.Logger

	pool     *sqlx.DB
	poolRead *sqlx.DB

	queue      *queue.Queue
	registry   *runner.Registry
	sessions   *session.Store
	blueprints *blueprint.Store
	callbacks  *callback.Orchestrator
	hub        *fanout.Hub
	mirror     fanout.EventMirror

	server *http.Server
}

// New wires every component from an already-open writer/reader connection
// pair. The caller is responsible for opening the pool (Postgres or SQLite)
// and running migrations before calling New.
func New(cfg *config.Config, writer, reader *sqlx.DB, log *logger.Logger) (*Coordinator, error) {
	runRepo := store.NewRunRepo(writer, reader)
	sessionRepo := store.NewSessionRepo(writer, reader)
	eventRepo := store.NewEventRepo(writer, reader)
	runnerRepo := store.NewRunnerRepo(writer, reader)
	blueprintRepo := store.NewBlueprintRepo(writer, reader)

	var mirror fanout.EventMirror = fanout.NewNoopMirror()
	if cfg.NATS.URL != "" {
		natsMirror, err := fanout.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats mirror: %w", err)
		}
		mirror = natsMirror
	}

	hub := fanout.NewHubWithMirror(sessionRepo, mirror, log)
	q := queue.New(runRepo, sessionRepo, hub, log)

	callbacks := callback.New(q, sessionRepo, eventRepo, log)
	q.SetNotifier(callbacks)
	sessions := session.New(sessionRepo, eventRepo, callbacks, hub, blueprintRepo, q, log)

	registry := runner.New(
		runnerRepo,
		cfg.Runner.PollTimeoutDuration(),
		cfg.Runner.HeartbeatIntervalDuration(),
		cfg.Runner.HeartbeatTimeoutDuration(),
		log,
	)

	blueprints := blueprint.New(blueprintRepo, log)

	router := api.NewRouter(api.Config{
		AuthSecret:        cfg.Auth.JWTSecret,
		AuthDisabled:      cfg.Auth.Disabled,
		AllowedOrigins:    cfg.CORS.Origins,
		NoMatchTimeoutSec: cfg.Runner.RunNoMatchTimeout,
	}, q, sessions, blueprints, registry, hub, log)

	return &Coordinator{
		cfg:        cfg,
		log:        log,
		pool:       writer,
		poolRead:   reader,
		queue:      q,
		registry:   registry,
		sessions:   sessions,
		blueprints: blueprints,
		callbacks:  callbacks,
		hub:        hub,
		mirror:     mirror,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
			WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		},
	}, nil
}

// Recover replays non-terminal runs from persistence according to the
// configured recovery mode. Call this once, before Run, after New.
func (c *Coordinator) Recover(ctx context.Context) error {
	return c.queue.Recover(ctx, queue.RecoveryMode(c.cfg.Runner.RecoveryMode))
}

// Run starts the HTTP server and background sweepers, supervised by an
// errgroup: any one failing cancels the others, and Run returns the first
// non-nil, non-shutdown error.
func (c *Coordinator) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		c.log.Info("coordinator http server listening", zap.String("addr", c.server.Addr))
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		return c.queue.SweepTimeouts(gctx)
	})

	group.Go(func() error {
		return c.sweepStaleRunners(gctx)
	})

	<-gctx.Done()
	c.shutdown()

	return group.Wait()
}

func (c *Coordinator) sweepStaleRunners(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Runner.HeartbeatIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.registry.SweepStale(ctx); err != nil {
				c.log.Error("stale runner sweep failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Server.WriteTimeoutDuration())
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		c.log.Error("http server shutdown error", zap.Error(err))
	}
	c.mirror.Close()
}
