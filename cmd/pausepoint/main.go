// Command pausepoint watches foreground app usage and decides when a
// mindful pause is worth showing.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/pausepoint/internal/apps"
	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/internal/config"
	"github.com/thebtf/pausepoint/internal/foreground"
	"github.com/thebtf/pausepoint/internal/watcher"
	"github.com/thebtf/pausepoint/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "pausepoint",
		Short:         "Session detection and adaptive intervention engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(debug)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newRunCmd(&debug))
	root.AddCommand(newSweepCmd(&debug))
	root.AddCommand(newStatsCmd(&debug))
	root.AddCommand(newAppsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func newRunCmd(debug *bool) *cobra.Command {
	var (
		input   string
		listen  string
		replay  bool
		noHTTP  bool
		noCron  bool
		sweepAt bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Read foreground observations and run the decision engine",
		Long: "Reads newline-delimited JSON observations ({\"app\":..., \"at\":..., \"screen_on\":...})\n" +
			"from --input and feeds them through session detection and the intervention gate.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			in, err := openInput(input)
			if err != nil {
				return err
			}
			defer in.Close()

			var src foreground.Source = foreground.NewJSONLinesSource(in)
			opts := appOptions{debug: *debug}
			if replay {
				fake := clock.NewFake(time.Time{})
				inner := src
				src = foreground.SourceFunc(func(ctx context.Context) (foreground.Observation, error) {
					obs, err := inner.Poll(ctx)
					if err == nil {
						fake.Set(obs.At)
					}
					return obs, err
				})
				opts.clock = fake
				noCron = true
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := worker.NewServer(Version, worker.ServerDeps{
				Summary: a.explainer,
				Recent:  a.decisions,
				Burden:  a.burden,
				Arms:    a.bandit,
				Daily:   a.stats,
				Metrics: a.metrics,
			})
			eng, err := a.newEngine(worker.StreamPresenter{Events: srv.Events()}, !replay)
			if err != nil {
				return err
			}
			srv.SetResponses(eng)
			a.explainer.Subscribe(srv.PublishDecision)

			w, err := watcher.New()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			w.Watch(a.apps.Path(), func() {
				if err := a.apps.Reload(); err != nil {
					log.Warn().Err(err).Str("path", a.apps.Path()).Msg("Failed to reload app registry, keeping previous")
					return
				}
				log.Info().Strs("apps", a.apps.Registry().IDs()).Msg("App registry reloaded")
			})
			w.Watch(config.SettingsPath(), func() {
				log.Info().Str("path", config.SettingsPath()).Msg("Settings file changed, restart to apply")
			})
			if err := w.Start(); err != nil {
				log.Warn().Err(err).Msg("Config watcher unavailable")
			}
			defer w.Stop()

			if err := eng.Start(ctx); err != nil {
				return err
			}
			if !noHTTP {
				if listen == "" {
					listen = "127.0.0.1:" + strconv.Itoa(a.cfg.WorkerPort)
				}
				if err := srv.Start(listen); err != nil {
					return fmt.Errorf("start status API: %w", err)
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}
			if !noCron {
				a.scheduler.Start()
				defer a.scheduler.Stop()
			}
			srv.SetReady(true)

			loopOpts := []foreground.LoopOption{
				foreground.WithClock(a.clock),
				foreground.WithIntervals(foreground.IntervalsFrom(a.cfg.PollDurations())),
			}
			if replay {
				loopOpts = append(loopOpts, foreground.WithReplay())
			}
			loop := foreground.NewLoop(src, eng.Controller(), loopOpts...)
			if err := loop.Run(ctx); err != nil {
				return err
			}
			eng.Shutdown(context.Background())

			if sweepAt {
				if err := a.scheduler.RunNow(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Final sweep incomplete")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "observation stream, - for stdin")
	cmd.Flags().StringVar(&listen, "listen", "", "status API address (default 127.0.0.1:<worker port>)")
	cmd.Flags().BoolVar(&replay, "replay", false, "replay recorded observations without waiting, using their timestamps as the clock")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not serve the status API")
	cmd.Flags().BoolVar(&noCron, "no-cron", false, "do not run background jobs")
	cmd.Flags().BoolVar(&sweepAt, "sweep", false, "run every background job once after the input ends")
	return cmd
}

func newSweepCmd(debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Collect due outcomes, aggregate daily stats and prune old rows once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(appOptions{debug: *debug})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.bandit.Load(ctx); err != nil {
				return err
			}
			return a.scheduler.RunNow(ctx)
		},
	}
}

func newStatsCmd(debug *bool) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the decision summary as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(appOptions{debug: *debug})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			sum, err := a.explainer.Summarize(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
			if err != nil {
				return err
			}
			out := map[string]any{
				"summary": sum,
				"burden":  a.burden.Current(ctx),
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", worker.DefaultSummaryHours, "summary window in hours")
	return cmd
}

func newAppsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List monitored apps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := apps.Load(config.AppsPath())
			if err != nil {
				return err
			}
			for _, app := range reg.All() {
				goal := "-"
				if g := app.Goal(); g > 0 {
					goal = g.String()
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-24s goal=%-8s locked=%t match=%v\n", app.ID, goal, app.Locked, app.Match)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}
