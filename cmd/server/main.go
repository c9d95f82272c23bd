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

	"github.com/RanFeng/ilog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"icinema/internal/auth"
	"icinema/internal/config"
	"icinema/internal/httpapi"
	"icinema/internal/rooms"
	"icinema/internal/store"
	"icinema/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	config.SetServerDefaults(v)
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "icinema-server",
		Short:        "Room relay for icinema watch-together clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.LoadServer(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("addr", ":8000", "listen address")
	flags.String("db", "", "sqlite database path; rooms are kept in memory when empty")
	flags.StringSlice("token", nil, "token table entry token=id:name, repeatable")
	flags.Duration("auth-timeout", 30*time.Second, "time allowed for the authorization frame")
	_ = v.BindPFlag(config.KeyAddr, flags.Lookup("addr"))
	_ = v.BindPFlag(config.KeyDBPath, flags.Lookup("db"))
	_ = v.BindPFlag(config.KeyTokens, flags.Lookup("token"))
	_ = v.BindPFlag(config.KeyAuthTimeout, flags.Lookup("auth-timeout"))
	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	users, err := auth.ParseTable(cfg.Tokens)
	if err != nil {
		return err
	}

	opts := []rooms.Option{rooms.WithSendBuffer(cfg.SendBuffer)}
	if cfg.DBPath != "" {
		db, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		opts = append(opts, rooms.WithStore(store.NewRepository(db)))
	}
	manager := rooms.NewManager(opts...)
	if err := manager.Restore(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(manager, users, ws.NewHandler(manager, users, cfg.AuthTimeout))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ilog.EventInfo(ctx, "relay_listening", "addr", cfg.Addr, "persistent", cfg.DBPath != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		ilog.EventInfo(shutdownCtx, "relay_shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
