package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"shipnotes/internal"
)

func main() {
	logger := internal.NewLogger("main")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	mode := flag.String("mode", "all", "Run mode: server, worker or all")
	flag.Parse()

	switch *mode {
	case modeServer, modeWorker, modeAll:
	default:
		logger.Fatalf("unknown mode %q", *mode)
	}

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, config, *mode)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		logger.Printf("run: %v", err)
		a.close()
		os.Exit(1)
	}
}
