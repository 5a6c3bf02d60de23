package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/skiffhq/skiff/pkg/agent"
	"github.com/skiffhq/skiff/pkg/backend"
	"github.com/skiffhq/skiff/pkg/backend/lambdalabs"
	"github.com/skiffhq/skiff/pkg/backend/sshremote"
	"github.com/skiffhq/skiff/pkg/backend/vastai"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/events"
	"github.com/skiffhq/skiff/pkg/log"
	"github.com/skiffhq/skiff/pkg/metrics"
	"github.com/skiffhq/skiff/pkg/offers"
	"github.com/skiffhq/skiff/pkg/reconciler"
	"github.com/skiffhq/skiff/pkg/scheduler"
	"github.com/skiffhq/skiff/pkg/storage"
	"github.com/skiffhq/skiff/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "skiff",
	Short: "Skiff - Multi-cloud workload orchestrator",
	Long: `Skiff provisions compute across cloud and marketplace backends and
runs containerized workloads on it. A set of periodic reconcilers drives
every instance, job, run, fleet and volume toward its declared state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Skiff version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator server",
	Long: `Run the orchestrator server: opens the local store, connects the
configured compute backends, and runs the reconcilers until SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")
	logger.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("starting")

	clock := clockwork.NewRealClock()

	store, err := storage.NewBoltStore(cfg.DataDir, clock)
	if err != nil {
		return err
	}
	defer store.Close()

	computes, err := buildComputes(cfg)
	if err != nil {
		return err
	}
	computeList := make([]backend.Compute, 0, len(computes))
	for _, c := range computes {
		computeList = append(computeList, c)
	}
	logger.Info().Int("backends", len(computeList)).Msg("backends connected")

	engine := offers.NewEngine(computeList)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	agentClient := agent.NewClient(0)
	deployer := sshremote.New(cfg.SSHPrivateKey)

	instances := reconciler.NewInstanceReconciler(store, computes, engine, agentClient, deployer, broker, clock, reconciler.InstanceConfig{
		SSHPublicKey: cfg.SSHPublicKey,
	})
	jobs := reconciler.NewJobReconciler(store, agentClient, broker, clock)
	runs := reconciler.NewRunReconciler(store, broker, clock, cfg.RetryWindow)
	fleets := reconciler.NewFleetReconciler(store, computes, broker, clock)
	volumes := reconciler.NewVolumeReconciler(store, computes, broker, clock)

	sched := scheduler.NewScheduler(store, clock, cfg.WorkerCap)
	sched.Register(scheduler.Task{Name: "instances", Kind: storage.KindInstance, Interval: cfg.Instances.Interval, BatchSize: cfg.Instances.BatchSize, Handler: instances.Reconcile})
	sched.Register(scheduler.Task{Name: "jobs", Kind: storage.KindJob, Interval: cfg.Jobs.Interval, BatchSize: cfg.Jobs.BatchSize, Handler: jobs.Reconcile})
	sched.Register(scheduler.Task{Name: "runs", Kind: storage.KindRun, Interval: cfg.Runs.Interval, BatchSize: cfg.Runs.BatchSize, Handler: runs.Reconcile})
	sched.Register(scheduler.Task{Name: "fleets", Kind: storage.KindFleet, Interval: cfg.Fleets.Interval, BatchSize: cfg.Fleets.BatchSize, Handler: fleets.Reconcile})
	sched.Register(scheduler.Task{Name: "volumes", Kind: storage.KindVolume, Interval: cfg.Volumes.Interval, BatchSize: cfg.Volumes.BatchSize, Handler: volumes.Reconcile})
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if srvErr := metricsSrv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Error().Err(srvErr).Msg("metrics server failed")
		}
	}()
	defer metricsSrv.Close()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}

// buildComputes instantiates one adapter per configured backend
func buildComputes(cfg *config.Config) (reconciler.Computes, error) {
	registry := backend.NewRegistry()
	registry.Register(types.BackendVastAI, vastai.Factory)
	registry.Register(types.BackendLambda, lambdalabs.Factory)
	registry.Register(types.BackendRemote, sshremote.Factory)

	computes := make(reconciler.Computes, len(cfg.Backends))
	for _, b := range cfg.Backends {
		kind := types.BackendKind(b.Kind)
		creds := b.Credentials
		if kind == types.BackendRemote && creds["ssh_key_path"] == "" {
			if creds == nil {
				creds = map[string]string{}
			}
			creds["ssh_key_path"] = cfg.SSHPrivateKey
		}
		compute, err := registry.Build(types.BackendConfig{Kind: kind, Regions: b.Regions}, creds)
		if err != nil {
			return nil, err
		}
		computes[kind] = compute
	}
	return computes, nil
}
