// Command taskflowd is the daemon: it holds the single-writer lock on
// a data directory and runs the scheduler's poll loop until signaled
// to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/d0labs/taskflow/internal/executor"
	"github.com/d0labs/taskflow/internal/instance"
	"github.com/d0labs/taskflow/internal/service"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", defaultDataDir(), "data directory to run against")
		pollInterval   = flag.Duration("poll-interval", 0, "scheduler poll interval (0 uses the built-in default)")
		concurrencyMax = flag.Int("concurrency", 0, "max concurrent dispatches (0 uses the built-in default)")
		dryRun         = flag.Bool("dry-run", false, "plan cycles without executing any action")
		showStatus     = flag.Bool("status", false, "report whether a daemon is running against data-dir and exit")
		stop           = flag.Bool("stop", false, "request graceful shutdown of the running daemon and exit")
		forceStop      = flag.Bool("force-stop", false, "force-kill the running daemon and exit")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *showStatus {
		status, err := instance.FindRunning(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "status:", err)
			os.Exit(1)
		}
		if status == nil {
			fmt.Println("no daemon running against", *dataDir)
			return
		}
		fmt.Printf("taskflowd pid=%d started=%s dataDir=%s\n", status.PID, status.StartedAt.Format(time.RFC3339), status.DataDir)
		return
	}

	if *stop || *forceStop {
		status, err := instance.FindRunning(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
			os.Exit(1)
		}
		if status == nil {
			fmt.Println("no daemon running against", *dataDir)
			return
		}
		if err := instance.Stop(status.PID, *forceStop, 15*time.Second); err != nil {
			fmt.Fprintln(os.Stderr, "stop:", err)
			os.Exit(1)
		}
		fmt.Println("stopped pid", status.PID)
		return
	}

	mgr := instance.NewManager(*dataDir)
	if err := mgr.Acquire(); err != nil {
		logger.Error("failed to acquire instance lock; is taskflowd already running against this data-dir?", "dataDir", *dataDir, "err", err)
		os.Exit(1)
	}
	defer mgr.Release()

	sup, err := service.New(service.Config{
		DataDir:            *dataDir,
		SchedulerPollEvery: *pollInterval,
		ConcurrencyMax:     *concurrencyMax,
		DryRun:             *dryRun,
		Logger:             logger,
	}, noopSpawner{})
	if err != nil {
		logger.Error("failed to construct service", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("taskflowd starting", "dataDir", *dataDir, "pid", os.Getpid())
	sup.Start(ctx)

	<-sigCh
	logger.Info("taskflowd shutting down")
	cancel()
	sup.Stop()
}

func defaultDataDir() string {
	if wd, err := os.Getwd(); err == nil {
		return wd + "/.taskflow"
	}
	return ".taskflow"
}

// noopSpawner is the placeholder Spawner wired in until an embedding
// application supplies a real one; it always reports a dispatch
// failure so tasks fall back to the deadletter path rather than
// silently appearing to run forever.
type noopSpawner struct{}

func (noopSpawner) Spawn(ctx context.Context, task executor.TaskContext, opts executor.SpawnOptions) (executor.SpawnResult, error) {
	return executor.SpawnResult{}, fmt.Errorf("no spawner configured for this daemon build")
}
