package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/config"
	"github.com/danielpatrickdp/shm-controller/internal/journal"
	"github.com/danielpatrickdp/shm-controller/internal/logging"
	"github.com/danielpatrickdp/shm-controller/internal/metrics"
	"github.com/danielpatrickdp/shm-controller/internal/platform/remote"
	"github.com/danielpatrickdp/shm-controller/internal/platform/sim"
	"github.com/danielpatrickdp/shm-controller/internal/scheduler"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region main
var configPath string

func main() {
	root := &cobra.Command{
		Use:           "controller",
		Short:         "Run the system health manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to shm.yaml (default: $SHM_CONFIG, ./shm.yaml, /etc/shm/shm.yaml)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region run
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, logCloser, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer logCloser.Close()

	supCfg, err := cfg.Supervisor()
	if err != nil {
		return err
	}

	tree := scheduler.NewTree("shm-controller", log, scheduler.DefaultTreeConfig())

	probe, act, closer, err := openPlatform(cfg, log, tree)
	if err != nil {
		return err
	}
	defer closer.Close()

	m, err := supervisor.NewMachine(supCfg, probe)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	opts := []scheduler.Option{
		scheduler.WithMetrics(met),
		scheduler.WithLogger(log),
		scheduler.WithInterval(cfg.TickInterval),
	}

	var store *journal.Store
	var rec *journal.Recorder
	if cfg.Journal.Path != "" {
		store, err = journal.NewStore(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		rec = journal.NewRecorder(store)
		opts = append(opts, scheduler.WithJournal(rec))
	}

	loop := scheduler.New(m, act, logging.NewSink(log), opts...)

	if store != nil {
		snap, err := store.Current()
		switch {
		case errors.Is(err, journal.ErrNoState):
		case err != nil:
			return err
		default:
			rec.Resume(snap)
			if err := loop.Restore(snap.State()); err != nil {
				return err
			}
		}
	}

	tree.Add(loop)
	if cfg.HTTP.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           scheduler.NewRouter(loop, reg, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.Add(scheduler.NewHTTPService(srv, 5*time.Second))
	}

	log.Info().
		Str("platform", cfg.Platform.Mode).
		Str("journal", cfg.Journal.Path).
		Str("http", cfg.HTTP.Addr).
		Str("mode", loop.Status().Mode).
		Msg("controller ready")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("controller stopped")
	return nil
}

// openPlatform returns the probe and actuator for the configured mode.
// The simulated workload joins the tree so it shares the controller lifetime.
func openPlatform(cfg *config.Config, log zerolog.Logger, tree *suture.Supervisor) (supervisor.Probe, supervisor.Actuator, io.Closer, error) {
	switch cfg.Platform.Mode {
	case "remote":
		cc := remote.DefaultClientConfig()
		cc.CallTimeout = cfg.Platform.CallTimeout
		cc.Logger = log
		client, err := remote.NewClient(cfg.Platform.Addr, cc)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, client, client, nil
	default:
		clk := clock.Real{}
		plat := sim.New(clk,
			sim.WithBistLatency(cfg.Platform.Sim.BistLatency),
			sim.WithReconfigLatency(cfg.Platform.Sim.ReconfigLatency),
		)
		rng := rand.New(rand.NewSource(cfg.Platform.Sim.Seed))
		tree.Add(sim.NewWorkload(plat, clk, rng, cfg.Workload()))
		return plat, plat, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// #endregion run
