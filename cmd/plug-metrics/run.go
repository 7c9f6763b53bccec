package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/discovery"
	"github.com/sweeney/plug-metrics/internal/kasa"
	"github.com/sweeney/plug-metrics/internal/nut"
	"github.com/sweeney/plug-metrics/internal/poller"
	"github.com/sweeney/plug-metrics/internal/publisher"
	"github.com/sweeney/plug-metrics/internal/registry"
	"github.com/sweeney/plug-metrics/internal/scheduler"
)

// Roles select which periodic tasks a process runs. Splitting discovery
// and polling across processes requires the sqlite registry.
const (
	roleAll       = "all"
	roleDiscovery = "discovery"
	rolePoller    = "poller"
)

var flagRole string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery and polling daemon (default)",
	RunE:  runDaemon,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().StringVar(&flagRole, "role", roleAll, "Tasks to run: all, discovery, poller")
	}
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, ctx, err := setup(ctx)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, flagRole)
}

// serve wires the registry, sinks and collectors for role and runs the
// scheduler until ctx is done.
func serve(ctx context.Context, cfg *config.Config, role string) error {
	logger := zerolog.Ctx(ctx)

	if err := checkRole(role, cfg.Registry.Backend); err != nil {
		return err
	}
	logger.Info().
		Str("version", version).
		Str("role", role).
		Str("broadcast", cfg.Discovery.BroadcastIP).
		Str("registry", cfg.Registry.Backend).
		Msg("plug-metrics starting")

	reg, closeReg, err := openRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeReg()

	sink, prom, err := openSinks(cfg, *logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing sinks")
		}
	}()

	// The NUT client dials on its first read, so a down upsd only costs
	// the ups task NaN readings until it answers.
	var ups *nut.Collector
	if cfg.NUT.Enabled && role != roleDiscovery {
		client := nut.NewClient(cfg.NUT, nil)
		defer client.Close() //nolint:errcheck
		ups = nut.NewCollector(client, sink, cfg.NUT.Timeout.Duration)
	}

	disc := discovery.New(
		discovery.NewUDPProber(cfg.Discovery.BroadcastIP, cfg.Discovery.Port),
		reg, cfg.Discovery, evictHook(sink),
	)
	poll := poller.New(reg, kasa.NewClient(cfg.Plug), sink, cfg.Poll.DeviceTimeout.Duration)

	sched := scheduler.New()
	for _, t := range newTasks(cfg, role, disc, poll, ups) {
		if err := sched.Add(t); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	if prom != nil {
		addr := fmt.Sprintf(":%d", cfg.Prometheus.Port)
		logger.Info().Str("addr", addr).Str("path", cfg.Prometheus.Path).Msg("Serving metrics")
		g.Go(func() error { return prom.Serve(ctx, addr, cfg.Prometheus.Path) })
	}
	err = g.Wait()
	logger.Info().Msg("Shutting down")
	return err
}

func checkRole(role, backend string) error {
	switch role {
	case roleAll:
		return nil
	case roleDiscovery, rolePoller:
		if backend != "sqlite" {
			return fmt.Errorf("role %q needs the sqlite registry backend to share state, got %q", role, backend)
		}
		return nil
	}
	return fmt.Errorf("unknown role %q", role)
}

// openRegistry returns the configured registry and a function releasing it.
func openRegistry(cfg config.RegistryConfig) (registry.Registry, func(), error) {
	switch cfg.Backend {
	case "memory":
		return registry.NewMemory(), func() {}, nil
	case "sqlite":
		s, err := registry.OpenSQLite(cfg.Path, cfg.Key)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil //nolint:errcheck
	}
	return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
}

// openSinks connects every enabled sink. The Prometheus sink is also
// returned separately so its scrape endpoint can be served.
func openSinks(cfg *config.Config, logger zerolog.Logger) (publisher.Multi, *publisher.PrometheusSink, error) {
	var sinks publisher.Multi
	var prom *publisher.PrometheusSink

	if cfg.Prometheus.Enabled {
		p, err := publisher.NewPrometheusSink()
		if err != nil {
			return nil, nil, err
		}
		prom = p
		sinks = append(sinks, p)
	}
	if cfg.MQTT.Enabled {
		m, err := publisher.NewMQTTSink(cfg.MQTT)
		if err != nil {
			sinks.Close() //nolint:errcheck
			return nil, nil, err
		}
		logger.Info().Str("broker", cfg.MQTT.Broker).Msg("Connected to MQTT broker")
		sinks = append(sinks, m)
	}
	if cfg.InfluxDB.Enabled {
		i, err := publisher.NewInfluxSink(cfg.InfluxDB, logger)
		if err != nil {
			sinks.Close() //nolint:errcheck
			return nil, nil, err
		}
		logger.Info().Str("url", cfg.InfluxDB.URL).Msg("Connected to InfluxDB")
		sinks = append(sinks, i)
	}
	if len(sinks) == 0 {
		logger.Warn().Msg("No sinks enabled; readings will be discarded")
	}
	return sinks, prom, nil
}

// evictHook publishes NaN for devices discovery removed, so their gauges
// do not keep the last real reading.
func evictHook(sink publisher.Sink) discovery.EvictFunc {
	return func(ctx context.Context, evicted []registry.Device) {
		for _, d := range evicted {
			if err := publisher.PublishUndefined(sink, d.Alias); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("alias", d.Alias).Msg("Publishing eviction failed")
			}
		}
	}
}

// newTasks builds the periodic tasks for role. ups may be nil.
func newTasks(cfg *config.Config, role string, disc *discovery.Service, poll *poller.Poller, ups *nut.Collector) []scheduler.Task {
	var tasks []scheduler.Task
	if role != rolePoller {
		tasks = append(tasks, scheduler.Task{
			Name:       "discovery",
			Period:     cfg.Discovery.Period.Duration,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := disc.Round(ctx)
				return err
			},
		})
	}
	if role != roleDiscovery {
		tasks = append(tasks, scheduler.Task{
			Name:   "poll",
			Period: cfg.Poll.Period.Duration,
			Run: func(ctx context.Context) error {
				_, err := poll.Cycle(ctx)
				return err
			},
		})
		if ups != nil {
			tasks = append(tasks, scheduler.Task{
				Name:       "ups",
				Period:     cfg.NUT.PollInterval.Duration,
				RunAtStart: true,
				Run:        ups.Collect,
			})
		}
	}
	return tasks
}
