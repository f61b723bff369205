// Command ouinet-client runs one DHT node and one HTTP request router/proxy
// sharing a repo root, the Go rendering of client.cpp's main: parse flags
// and the conf-file overlay, acquire the PID file, start the collaborators,
// and tear them down in reverse acquisition order on signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/fatih/color"

	"ouinet/internal/cachecontrol"
	"ouinet/internal/config"
	"ouinet/internal/dhtnode"
	"ouinet/internal/logger"
	"ouinet/internal/router"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("ouinet-client: %s", err))
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	if err := config.RaiseOpenFileLimit(cfg.OpenFileLimit); err != nil {
		return err
	}

	pidFile, err := config.AcquirePidFile(cfg.RepoRoot)
	if err != nil {
		return err
	}
	defer pidFile.Release()

	log := logger.New("ouinet-client")
	color.Cyan("ouinet-client starting: %s", cfg)

	node, err := dhtnode.New(cfg.DHT, log)
	if err != nil {
		return fmt.Errorf("starting DHT node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dhtDone := make(chan error, 1)
	go func() { dhtDone <- node.Run(ctx) }()

	rt := buildRouter(cfg, node, log)
	srv := router.NewServer(cfg.ListenOnTCP, rt, log)
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.ListenAndServe() }()

	log.Infof("listening on %s, node id %s", cfg.ListenOnTCP, node.LocalID().Hex())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-srvDone:
		if err != nil {
			log.Errorf("proxy server stopped: %s", err)
		}
	case err := <-dhtDone:
		if err != nil {
			log.Errorf("DHT node stopped: %s", err)
		}
	}

	// Reverse acquisition order (spec.md §9 "Global state"): close the
	// acceptor first, then stop the DHT, then release the PID file (via the
	// deferred Release above). The in-process cache store needs no release.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("proxy server shutdown: %s", err)
	}

	cancel()
	node.Stop()

	return nil
}

// buildRouter wires a Router for cfg: the injector responder dials cfg's
// configured endpoint directly, caching is backed by a bounded in-process
// store, and the front-end responder exposes node status plus the trusted-
// contact injection endpoint at the admin host.
func buildRouter(cfg *config.Config, node *dhtnode.Node, log logger.DebugLogger) *router.Router {
	rt := router.New(log)
	rt.Transport = router.NewTCPTransport(cfg.InjectorEndpoint)

	maxAge := cfg.MaxCachedAge
	if maxAge < 0 {
		maxAge = cachecontrol.MaxCachedAge
	}
	store := cachecontrol.NewStore(1024)
	rt.CacheControl = &cachecontrol.CacheControl{
		FetchStored:  store.FetchStored,
		Store:        store.StoreResponse,
		MaxCachedAge: maxAge,
	}

	fe := &router.FrontEnd{
		Node:             node,
		CacheNamespace:   cfg.InjectorIPNS,
		InjectorEndpoint: cfg.InjectorEndpoint,
		Log:              log,
	}
	rt.FrontEnd = fe

	rt.Rules = []router.Rule{
		{
			Predicate: router.FieldMatch(router.FieldHost, "", adminHostPattern),
			Config:    router.RequestConfig{Responders: []router.ResponderKind{router.ResponderFrontEnd}},
		},
	}

	return rt
}

// adminHostPattern is the try_serve_client_control host match: requests to
// the admin virtual host (client.cpp's "localhost" control endpoint) are
// answered by the front-end responder instead of being routed out.
var adminHostPattern = regexp.MustCompile(`^localhost(:[0-9]+)?$`)
