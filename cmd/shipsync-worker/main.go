package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipSync/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	f := defaultWorkerFactories()
	runner, st, closeFn, err := buildRunner(cfg, f)
	if err != nil {
		panic(err)
	}
	if closeFn != nil {
		defer closeFn()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if c := f.newReplayConsumer(cfg); c != nil {
		go func() {
			if err := runNotificationReplay(ctx, c, st, runner); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("notification replay consumer stopped", "error", err)
			}
		}()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.ShipSync.WorkerHTTPAddr,
			swaggerPath: os.Getenv("swaggerPath"),
			runner:      runner,
			cfg:         cfg,
		})
	}()

	runnerErr := make(chan error, 1)
	go func() {
		runnerErr <- runner.Run(ctx)
	}()

	select {
	case err := <-runnerErr:
		if err != nil && err != context.Canceled {
			panic(err)
		}
	case err := <-httpErr:
		if err != nil && err != context.Canceled {
			panic(err)
		}
	}
}
