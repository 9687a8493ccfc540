package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	gosvdconfig "github.com/gosvd/gosvd/internal/config"
	"github.com/gosvd/gosvd/internal/reaper"
	"github.com/gosvd/gosvd/internal/supervisor"
)

var (
	configPath  string
	metricsAddr string
	logLevel    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor loop in the foreground",
	RunE:  runSupervisor,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9110", "address to serve /metrics on")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
	rootCmd.AddCommand(runCmd)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if configPath == "" {
		logger.Warn("no --config given, running an empty roster")
	}

	var doc *gosvdconfig.Document
	if configPath != "" {
		doc, err = gosvdconfig.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		doc = &gosvdconfig.Document{}
	}

	bus := supervisor.NewEventBus()
	opts := supervisor.NewPosixOptions(logger)
	metrics := supervisor.NewMetricsCollector()
	bus.Subscribe(supervisor.KindProcessStateChange, func(e supervisor.Event) {
		ev := e.(supervisor.ProcessStateChangeEvent)
		if ev.To == supervisor.StateStarting {
			metrics.RecordSpawn(ev.ProcessName)
		}
	})

	groupConfigs, err := doc.Groups()
	if err != nil {
		return err
	}
	poolConfigs, err := doc.ListenerPools()
	if err != nil {
		return err
	}

	groups := make([]*supervisor.ProcessGroup, 0, len(groupConfigs))
	for _, gc := range groupConfigs {
		groups = append(groups, supervisor.NewProcessGroup(gc, opts, bus))
	}
	pools := make([]*supervisor.EventListenerPool, 0, len(poolConfigs))
	for _, pc := range poolConfigs {
		pools = append(pools, supervisor.NewEventListenerPool(pc, opts, bus))
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	r := reaper.New(opts.PidHistory(), logger)
	group.Go(func() error {
		r.Run()
		return nil
	})

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
		group.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGUSR1)

	group.Go(func() error {
		defer r.Stop()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		now := func() int64 { return time.Now().Unix() }

		for _, g := range groups {
			g.StartNecessary(now())
		}
		for _, p := range pools {
			p.StartNecessary(now())
		}

		for {
			select {
			case <-ctx.Done():
				return nil

			case sig := <-sigCh:
				switch sig {
				case unix.SIGTERM, unix.SIGINT:
					logger.Info("shutdown requested, stopping all processes")
					for _, g := range groups {
						g.StopAll()
					}
					for _, p := range pools {
						p.StopAll()
					}
					cancel()
					return nil
				case unix.SIGHUP:
					logger.Info("SIGHUP received (reload not wired to this CLI build)")
				case unix.SIGUSR1:
					logger.Info("SIGUSR1 received, dumping process states")
					for _, g := range groups {
						for _, p := range g.Processes() {
							logger.WithFields(logrus.Fields{
								"process": p.Name(),
								"state":   p.State().String(),
								"pid":     p.PID(),
							}).Info("process status")
						}
					}
				}

			case <-ticker.C:
				for _, g := range groups {
					g.StartNecessary(now())
					g.Transition()
					metrics.Sample(g.Name(), g.Processes())
				}
				for _, p := range pools {
					p.StartNecessary(now())
					p.Transition()
					metrics.Sample(p.Name(), p.Processes())
					metrics.SampleBuffer(p)
				}
			}
		}
	})

	return group.Wait()
}
