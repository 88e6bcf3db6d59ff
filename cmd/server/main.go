package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/relay4/internal/config"
	"github.com/DoyleJ11/relay4/internal/game"
	"github.com/DoyleJ11/relay4/internal/httpapi"
	"github.com/DoyleJ11/relay4/internal/hub"
	"github.com/DoyleJ11/relay4/internal/identity"
	"github.com/DoyleJ11/relay4/internal/logging"
	"github.com/DoyleJ11/relay4/internal/transport"
	"github.com/DoyleJ11/relay4/internal/transport/pool"
	"github.com/DoyleJ11/relay4/internal/transport/wsrelay"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.Server
	if err := config.Load(&cfg, ".env"); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	signer, err := loadIdentity(cfg.IdentitySeed, log)
	if err != nil {
		return err
	}

	relays := lo.Map(cfg.Relays, func(url string, _ int) transport.Transport {
		return wsrelay.New(url, log)
	})
	relayPool := pool.New(log, relays...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	open := func(ctx context.Context, code string) (*game.Controller, error) {
		return game.New(ctx, game.Config{
			Room:               code,
			Signer:             signer,
			Transport:          relayPool,
			Log:                log,
			DisplayName:        cfg.DisplayName,
			Capacity:           cfg.PendingCapacity,
			HistoryTimeout:     cfg.HistoryTimeout,
			PublishRetryWindow: cfg.PublishRetryWindow,
		})
	}
	h := hub.NewHub(ctx, log, open, cfg.RoomIdleTimeout)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.SetupRoutes(h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.Strings("relays", cfg.Relays),
			zap.String("identity", string(signer.PublicID())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		h.Inbox() <- hub.ShutdownHub{}
		<-h.Done()
		return err
	})
	return g.Wait()
}

func loadIdentity(seed string, log *zap.Logger) (*identity.Keypair, error) {
	if seed != "" {
		return identity.FromSeedHex(seed)
	}
	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	log.Warn("IDENTITY_SEED not set, using an ephemeral identity")
	return kp, nil
}
