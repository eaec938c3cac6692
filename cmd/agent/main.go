// Agent - mining pool aggregation proxy
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlosrabelo/agentpool/internal/agent"
	"github.com/carlosrabelo/agentpool/internal/config"
	"github.com/carlosrabelo/agentpool/pkg/logger"
)

func main() {
	cfgFile := flag.String("c", "config.json", "Path to configuration file")
	logDir := flag.String("l", "", "Directory for durable log output (stdout/stderr only if unset)")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(*logDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	a := agent.New(cfg, log.Std())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("agent exited: %v", err)
		os.Exit(1)
	}

	time.Sleep(500 * time.Millisecond)
	log.Info("shutdown complete")
}

func newLogger(dir string) (*logger.Logger, error) {
	if dir == "" {
		return logger.New(), nil
	}
	return logger.NewToDir(dir)
}

func usage() {
	fmt.Fprintf(os.Stderr, "agent: mining pool aggregation proxy\n\n")
	fmt.Fprintf(os.Stderr, "Usage: %s [-c config.json] [-l log_dir]\n\n", os.Args[0])
	flag.PrintDefaults()
}
