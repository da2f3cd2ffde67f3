// Command weft runs workflow files through the execution engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skaldworks/weft"
	"github.com/skaldworks/weft/internal/analytics"
	"github.com/skaldworks/weft/internal/eventbus"
	"github.com/skaldworks/weft/internal/metrics"
	"github.com/skaldworks/weft/internal/planner"
	"github.com/skaldworks/weft/internal/reportstore"
	"github.com/skaldworks/weft/internal/scheduler"
	"github.com/skaldworks/weft/internal/workflowfile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "weft",
		Short:         "Dependency-aware workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newPlanCmd())
	return root
}

type runFlags struct {
	mode        string
	concurrency int
	maxAttempts int
	workDir     string
	metricsAddr string
	reportDir   string
	output      string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.mode, "mode", string(weft.ModeAdaptive), "execution mode (sequential, parallel, adaptive, priority_first, resource_aware)")
	cmd.Flags().IntVar(&flags.concurrency, "max-concurrency", 0, "concurrency ceiling per phase (0 = strategy default)")
	cmd.Flags().IntVar(&flags.maxAttempts, "max-attempts", -1, "retries after the first try (-1 = strategy default)")
	cmd.Flags().StringVar(&flags.workDir, "workdir", "", "working directory handed to task handlers")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&flags.reportDir, "report-dir", "", "persist execution reports as JSON files under this directory")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "write the execution report JSON to this file instead of stdout")

	return cmd
}

func runWorkflow(ctx context.Context, path string, flags *runFlags) error {
	wf, err := workflowfile.Load(path, workflowID(path))
	if err != nil {
		return err
	}

	strategy := weft.DefaultStrategy()
	strategy.Mode = weft.ExecutionMode(flags.mode)
	if flags.concurrency > 0 {
		strategy.MaxConcurrency = flags.concurrency
	}
	if flags.maxAttempts >= 0 {
		strategy.Retry.MaxAttempts = flags.maxAttempts
	}

	bus := eventbus.NewChannelBus()
	defer bus.Close()

	var store weft.ReportStore
	if flags.reportDir != "" {
		fileStore, err := reportstore.NewFileStore(flags.reportDir, reportstore.NewStdLogger("reportstore"))
		if err != nil {
			return err
		}
		store = fileStore
	} else {
		memStore := reportstore.NewMemoryStore(time.Hour)
		defer memStore.Close()
		store = memStore
	}

	engine, err := weft.New(
		weft.WithPlanner(planner.New()),
		weft.WithScheduler(scheduler.New(builtinHandlers(), scheduler.WithBus(bus))),
		weft.WithAnalyzer(analytics.New()),
		weft.WithReportStore(store),
		weft.WithEventBus(bus),
		weft.WithStrategy(strategy),
	)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	if err := collector.Attach(bus); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: flags.metricsAddr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if srv != nil {
			defer srv.Shutdown(context.Background())
		}
		report, runErr := engine.ExecuteWorkflow(gctx, *wf, weft.NewExecutionContext(flags.workDir, nil))
		if report != nil {
			if writeErr := writeReport(report, flags.output); writeErr != nil {
				return writeErr
			}
		}
		return runErr
	})

	return g.Wait()
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <workflow.yaml>",
		Short: "Validate a workflow file and print its execution phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflowfile.Load(args[0], workflowID(args[0]))
			if err != nil {
				return err
			}
			plan, err := planner.New().Plan(*wf, weft.DefaultStrategy())
			if err != nil {
				return err
			}
			for i, phase := range plan.Phases {
				fmt.Printf("phase %d: %s\n", i+1, strings.Join(phase, ", "))
			}
			return nil
		},
	}
}

func workflowID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeReport(report *weft.ExecutionReport, output string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if output == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(output, append(data, '\n'), 0o644)
}
