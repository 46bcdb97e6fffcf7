package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kizuna-swarm/bridge/internal/app"
	"github.com/kizuna-swarm/bridge/internal/config"
	"github.com/kizuna-swarm/bridge/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var (
	cfgPath  = flag.String("config", "kizuna.json", "Path to the config file (created with defaults if missing)")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("kizuna-bridge v%s\n", appVersion)
		return
	}

	if err := logging.SetLogLevelRegex("kizuna:.*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	absCfg, err := filepath.Abs(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config path: %v\n", err)
		os.Exit(1)
	}

	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("created default config at %s\n", absCfg)
	}

	dataDir := util.ResolvePath(filepath.Dir(absCfg), cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{Cfg: cfg, DataDir: dataDir}); err != nil {
		fmt.Fprintf(os.Stderr, "node failed: %v\n", err)
		os.Exit(1)
	}
}
