package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/erlnode/internal/admin"
	"github.com/danmuck/erlnode/internal/dist"
	"github.com/danmuck/erlnode/internal/logging"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "erlnode: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to erlnode TOML config")
	name := flag.String("name", "", "node name (name@host), overrides config")
	cookie := flag.String("cookie", "", "distribution cookie, overrides config")
	adminAddr := flag.String("admin", "", "admin API address, overrides config; \"off\" disables")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := loadNodeConfig(*configPath)
	if err != nil {
		return err
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *cookie != "" {
		cfg.Cookie = *cookie
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	observability.InitLogger("erlnode", cfg.Name)
	observability.RegisterMetrics()

	mcfg, err := cfg.managerConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := &logRuntime{ctx: ctx}
	mgr, err := dist.NewManager(mcfg, rt)
	if err != nil {
		return err
	}
	rt.sender = mgr
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(mgr.Wait)
	if cfg.AdminAddr != "" && cfg.AdminAddr != "off" {
		srv := admin.New(admin.Config{
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CORSOrigins,
			Token:       cfg.AdminToken,
		}, mgr)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	log.Info().Str("listen", mgr.Addr().String()).Uint32("creation", mgr.Creation()).Msg("erlnode up")

	<-gctx.Done()
	log.Info().Msg("erlnode shutting down")
	closeErr := mgr.Close()
	if err := g.Wait(); err != nil {
		return err
	}
	return closeErr
}
