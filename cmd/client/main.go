package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"icinema/internal/auth"
	"icinema/internal/config"
	"icinema/internal/conn"
	"icinema/internal/hertzapi"
	"icinema/internal/loop"
	"icinema/internal/player"
	"icinema/internal/repl"
	"icinema/internal/session"
	"icinema/internal/userinfo"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	config.SetClientDefaults(v)
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "icinema",
		Short:        "Headless watch-together client with a local control API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(".env"); err != nil {
				return err
			}
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.LoadClient(v)
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
	flags.String("server", "", "relay websocket url")
	flags.String("api-base", "", "relay http base url for user lookups")
	flags.String("token", "", "bearer token")
	flags.Int64("user-id", 0, "own user id, used as sender_id")
	flags.Int64("room", 0, "room to enter after connecting")
	flags.String("listen", "", "control api listen address")
	flags.BoolP("interactive", "i", false, "read commands from stdin")
	flags.Float64("duration", 0, "length of the simulated video in seconds")
	flags.Bool("require-gesture", false, "block autoplay until a local play or resume")
	for key, name := range map[string]string{
		config.KeyServerURL:      "server",
		config.KeyAPIBase:        "api-base",
		config.KeyToken:          "token",
		config.KeyUserID:         "user-id",
		config.KeyRoomID:         "room",
		config.KeyListen:         "listen",
		config.KeyInteractive:    "interactive",
		config.KeyVideoDuration:  "duration",
		config.KeyRequireGesture: "require-gesture",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, cfg config.ClientConfig) error {
	lp := loop.New()
	creds := auth.NewStore(cfg.Token)
	users, err := userinfo.NewHTTPResolver(cfg.APIBase, creds)
	if err != nil {
		return err
	}

	agent := session.NewAgent(cfg.Session(), session.Deps{
		Sched:     lp,
		Transport: conn.NewWSTransport(lp),
		Creds:     creds,
		Element:   player.NewVirtualElement(lp.Now, cfg.VideoDuration, cfg.RequireGesture),
		Users:     users,
	})
	client := session.NewClient(agent, lp)

	h := server.Default(server.WithHostPorts(cfg.Listen))
	hertzapi.NewRouter(h, client)

	g, ctx := errgroup.WithContext(ctx)
	// The loop outlives ctx so the agent can be stopped on it; Close ends it.
	g.Go(func() error {
		return lp.Run(context.Background())
	})
	g.Go(func() error {
		ilog.EventInfo(ctx, "control_api_listening", "addr", cfg.Listen)
		if err := h.Run(); err != nil && ctx.Err() == nil {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = lp.Call(shutdownCtx, agent.Stop)
		lp.Close()
		return h.Shutdown(shutdownCtx)
	})

	err = lp.Call(ctx, func() {
		agent.Start()
		if cfg.RoomID > 0 {
			agent.EnterRoom(cfg.RoomID)
		}
	})
	if err != nil {
		_ = g.Wait()
		return err
	}
	ilog.EventInfo(ctx, "client_started", "server", cfg.ServerURL, "room", cfg.RoomID, "authenticated", cfg.Token != "")

	if cfg.Interactive {
		g.Go(func() error {
			err := repl.New(client, os.Stdout).Run(ctx, os.Stdin)
			if err != nil {
				return err
			}
			return errStopped
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

// errStopped ends the errgroup when the user leaves the shell.
var errStopped = errors.New("stopped")
