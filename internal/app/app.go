package app

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/euacreations/airwave/internal/api"
	"github.com/euacreations/airwave/internal/channels"
	"github.com/euacreations/airwave/internal/config"
	"github.com/euacreations/airwave/internal/database"
	"github.com/euacreations/airwave/internal/epg"
	"github.com/euacreations/airwave/internal/pipeline"
	"github.com/euacreations/airwave/internal/stream"
	"github.com/euacreations/airwave/internal/tuner"
)

// Application is the explicitly constructed service graph: no package-level
// state, everything reaches its collaborators through this value.
type Application struct {
	cfg      *config.Config
	repo     *database.Repository
	registry *channels.Registry
	arbiter  *tuner.Arbiter
	scanner  *epg.Scanner
	manager  *stream.Manager
	server   *api.Server
	log      zerolog.Logger

	storeExisted bool
	cancelScan   context.CancelFunc
}

func NewApplication(cfg *config.Config, log zerolog.Logger) (*Application, error) {
	// The startup deep scan keys off whether the guide store predates this
	// boot, so check before opening creates the file.
	_, statErr := os.Stat(cfg.EPGDBPath)
	storeExisted := statErr == nil

	repo, err := database.NewRepository(cfg.EPGDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	registry, err := channels.Load(cfg.ChannelsConf)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}

	arbiter := tuner.NewArbiter(cfg.TunerCount, cfg.EnablePreemption, log)
	supervisor := pipeline.NewSupervisor(cfg.TunerCommand, cfg.FFmpegCmd, log)
	parser := epg.NewParser(registry, repo, log)
	scanner := epg.NewScanner(arbiter, supervisor, registry, parser, cfg.ChannelsConf, log)

	var ready func() bool
	if cfg.EnableEPG {
		ready = scanner.InitialScanDone
	}
	manager := stream.NewManager(arbiter, supervisor, registry, cfg.ChannelsConf, ready, log)

	server := api.NewServer(manager, repo, registry, cfg.TranscodeMode, cfg.TranscodeCodec, cfg.VerboseLogging, log)

	return &Application{
		cfg:          cfg,
		repo:         repo,
		registry:     registry,
		arbiter:      arbiter,
		scanner:      scanner,
		manager:      manager,
		server:       server,
		log:          log,
		storeExisted: storeExisted,
	}, nil
}

func (a *Application) Start() error {
	scanCtx, cancel := context.WithCancel(context.Background())
	a.cancelScan = cancel

	if a.cfg.EnableEPG {
		go a.scanner.Run(scanCtx, a.storeExisted)
	}

	a.log.Info().
		Int("port", a.cfg.HTTPPort).
		Int("tuners", a.arbiter.Count()).
		Int("channels", len(a.registry.All())).
		Bool("epg", a.cfg.EnableEPG).
		Msg("airwave starting")

	return a.server.Start(":" + strconv.Itoa(a.cfg.HTTPPort))
}

// Stop tears down every active session, stops the HTTP listener and the
// scan loop, and closes the store.
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info().Msg("shutting down")

	if a.cancelScan != nil {
		a.cancelScan()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Shutdown(ctx)
	})
	g.Go(func() error {
		a.manager.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		a.log.Warn().Err(err).Msg("shutdown error")
	}

	return a.repo.Close()
}
