package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/config"
	"github.com/danielpatrickdp/shm-controller/internal/logging"
	"github.com/danielpatrickdp/shm-controller/internal/platform/remote"
	"github.com/danielpatrickdp/shm-controller/internal/platform/sim"
	"github.com/danielpatrickdp/shm-controller/internal/scheduler"
)

// #region main
var (
	configPath string
	listen     string
	quiet      bool
)

func main() {
	root := &cobra.Command{
		Use:          "platform-sim",
		Short:        "Serve a simulated guardian platform over gRPC",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to shm.yaml; platform.sim.* shapes the workload")
	root.Flags().StringVar(&listen, "listen", "127.0.0.1:7443", "gRPC listen address")
	root.Flags().BoolVar(&quiet, "quiet", false, "do not generate alerts; only serve the platform")

	if err := root.ExecuteContext(context.Background()); err != nil {
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
	log, closer, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer closer.Close()

	clk := clock.Real{}
	plat := sim.New(clk,
		sim.WithBistLatency(cfg.Platform.Sim.BistLatency),
		sim.WithReconfigLatency(cfg.Platform.Sim.ReconfigLatency),
	)

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listen, err)
	}
	srv := grpc.NewServer()
	remote.Register(srv, remote.NewServer(plat))

	tree := scheduler.NewTree("platform-sim", log, scheduler.DefaultTreeConfig())
	tree.Add(&grpcService{srv: srv, lis: lis})
	if !quiet {
		rng := rand.New(rand.NewSource(cfg.Platform.Sim.Seed))
		tree.Add(sim.NewWorkload(plat, clk, rng, cfg.Workload()))
	}

	log.Info().Str("listen", lis.Addr().String()).Bool("workload", !quiet).Msg("platform simulator ready")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st := plat.Stats()
	log.Info().
		Int("alerts_fetched", st.AlertsFetched).
		Int("bist_started", st.BistStarted).
		Int("reconfig_started", st.ReconfigStarted).
		Msg("platform simulator stopped")
	return nil
}

// grpcService runs a gRPC server under suture. The listener is consumed on
// the first Serve; a restart after failure surfaces the closed listener.
type grpcService struct {
	srv *grpc.Server
	lis net.Listener
}

func (g *grpcService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.srv.Serve(g.lis) }()
	select {
	case err := <-errCh:
		return fmt.Errorf("grpc server failed: %w", err)
	case <-ctx.Done():
		g.srv.GracefulStop()
		<-errCh
		return ctx.Err()
	}
}

func (g *grpcService) String() string {
	return "platform-grpc"
}

// #endregion run
