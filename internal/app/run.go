// Package app assembles a running node from its parts: identity, storage,
// overlay, bridge, control plane, and the A2A gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kizuna-swarm/bridge/internal/a2a"
	"github.com/kizuna-swarm/bridge/internal/bridge"
	"github.com/kizuna-swarm/bridge/internal/config"
	"github.com/kizuna-swarm/bridge/internal/httpapi"
	"github.com/kizuna-swarm/bridge/internal/identity"
	"github.com/kizuna-swarm/bridge/internal/overlay"
	"github.com/kizuna-swarm/bridge/internal/storage"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("kizuna:app")

const shutdownGrace = 5 * time.Second

// Options carries everything Run needs; the caller owns config loading and
// signal handling.
type Options struct {
	Cfg     config.Config
	DataDir string // resolved absolute data directory
}

// Run boots the node and blocks until ctx is cancelled. Everything started
// here is torn down before it returns.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	id, err := identity.LoadOrCreate(opt.DataDir)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	log.Infof("node identity %s", id.ShortID())

	db, err := storage.Open(opt.DataDir)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	ov, err := overlay.New(ctx, opt.DataDir, cfg.Overlay.ListenPort, id.PublicKeyHex())
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	defer ov.Close()

	node := bridge.New(opt.DataDir, id, ov)
	go node.Run(ctx)

	if _, err := ov.Join(cfg.Overlay.DefaultTopic, ""); err != nil {
		return fmt.Errorf("join default topic: %w", err)
	}

	mux := http.NewServeMux()
	api := &httpapi.Server{Node: node, DB: db, APIKey: cfg.HTTP.APIKey}
	api.Register(mux)
	gw := &a2a.Gateway{Node: node, APIKey: cfg.HTTP.APIKey}
	gw.Register(mux)

	srv := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("control plane listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	log.Infof("node %s stopped", id.ShortID())
	return nil
}
