package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wxalert/internal/app"
	"wxalert/internal/poller"
)

func main() {
	var (
		cfgPath      string
		once         bool
		resetHistory bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.BoolVar(&once, "once", false, "run one background pass and exit")
	flag.BoolVar(&resetHistory, "reset-history", false, "clear notification history before running")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if resetHistory {
		if err := a.ResetHistory(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "reset history:", err)
			_ = a.Stop(context.Background(), app.StopFatalError)
			os.Exit(1)
		}
	}

	if once {
		rep := a.RunOnce(ctx)
		_ = a.Stop(context.Background(), app.StopOnce)
		if rep.Outcome == poller.OutcomeError {
			fmt.Fprintln(os.Stderr, "run failed:", rep.Err)
			os.Exit(1)
		}
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}
