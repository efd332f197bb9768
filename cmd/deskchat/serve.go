package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/config"
	"github.com/deskchat/deskchat/internal/conversation"
	"github.com/deskchat/deskchat/internal/db"
	"github.com/deskchat/deskchat/internal/gateway"
	"github.com/deskchat/deskchat/internal/messaging"
	"github.com/deskchat/deskchat/internal/notify"
	"github.com/deskchat/deskchat/internal/notify/discord"
	"github.com/deskchat/deskchat/internal/notify/slack"
	"github.com/deskchat/deskchat/internal/presence"
	"github.com/deskchat/deskchat/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and WebSocket gateway",
		Long: `Starts the account endpoints, the thread API and the WebSocket gateway.
Tables are migrated on startup. The idle-thread janitor runs on the configured
schedule until the process receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to deskchat config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, addr string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	a, err := newApp(cfg, gormDB)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.janitor != nil {
		go a.janitor.Run(ctx)
	} else {
		log.Info().Msg("janitor disabled (janitor.idle_after is 0)")
	}

	if cfg.Dev.DemoTenant {
		log.Warn().Str("tenant", cfg.Dev.DemoTenantName).Msg("demo tenant fallback enabled; do not use in production")
	}

	err = server.Start(ctx, a.startOpts(cfg.Server, cmd))
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
	}
	return err
}

// app is the wired object graph behind serve.
type app struct {
	tokens    *auth.Tokens
	verifier  *auth.Verifier
	service   *auth.Service
	resolver  *conversation.Resolver
	store     *messaging.Store
	presence  *presence.Registry
	gateway   *gateway.Gateway
	janitor   *conversation.Janitor
	notifiers notify.Multi
	db        *gorm.DB
}

func newApp(cfg *config.Config, gormDB *gorm.DB) (*app, error) {
	a := &app{db: gormDB, presence: presence.NewRegistry()}

	var err error
	a.tokens, err = auth.NewTokens(auth.TokensOpts{Secret: cfg.Auth.Secret, TTL: cfg.Auth.TokenTTL})
	if err != nil {
		return nil, err
	}
	a.verifier, err = auth.NewVerifier(a.tokens, gormDB)
	if err != nil {
		return nil, err
	}

	demoName := ""
	if cfg.Dev.DemoTenant {
		demoName = cfg.Dev.DemoTenantName
	}
	a.service, err = auth.NewService(auth.ServiceOpts{
		DB:         gormDB,
		Tokens:     a.tokens,
		BcryptCost: cfg.Auth.BcryptCost,
		DemoTenant: demoName,
	})
	if err != nil {
		return nil, err
	}

	a.resolver, err = conversation.NewResolver(conversation.ResolverOpts{DB: gormDB})
	if err != nil {
		return nil, err
	}
	a.store, err = messaging.NewStore(messaging.StoreOpts{DB: gormDB, MaxContentLen: cfg.Gateway.MaxMessageLen})
	if err != nil {
		return nil, err
	}
	if cfg.Janitor.Enabled() {
		a.janitor, err = conversation.NewJanitor(conversation.JanitorOpts{
			Resolver:  a.resolver,
			Schedule:  cfg.Janitor.Schedule,
			IdleAfter: cfg.Janitor.IdleAfter,
		})
		if err != nil {
			return nil, err
		}
	}

	a.notifiers, err = buildNotifiers(cfg.Notify)
	if err != nil {
		return nil, err
	}

	g := cfg.Gateway
	opts := gateway.Opts{
		Verifier:         a.verifier,
		Resolver:         a.resolver,
		Store:            a.store,
		Presence:         a.presence,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		HandshakeTimeout: time.Duration(g.HandshakeTimeoutSec) * time.Second,
		HistoryLimit:     g.HistoryLimit,
		MaxMessageLen:    g.MaxMessageLen,
		SendBuffer:       g.SendBuffer,
		RatePerSec:       g.RatePerSec,
		RateBurst:        g.RateBurst,
		PingInterval:     time.Duration(g.PingIntervalSec) * time.Second,
	}
	if len(a.notifiers) > 0 {
		opts.Notifier = a.notifiers
	}
	if cfg.Dev.DemoTenant {
		opts.DemoTenant = demoTenantFunc(gormDB, demoName)
	}
	a.gateway, err = gateway.New(opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) startOpts(sc config.ServerConfig, cmd *cobra.Command) server.StartOpts {
	return server.StartOpts{
		Addr:        sc.Addr,
		DB:          a.db,
		Auth:        a.service,
		Verifier:    a.verifier,
		Resolver:    a.resolver,
		Presence:    a.presence,
		Gateway:     a.gateway,
		ReadTimeout: time.Duration(sc.ReadTimeoutSec) * time.Second,
		Out:         cmd.OutOrStdout(),
	}
}

// buildNotifiers returns the enabled agent notifiers. An empty Multi is a
// valid no-op notifier.
func buildNotifiers(nc config.NotifyConfig) (notify.Multi, error) {
	var out notify.Multi
	if nc.Slack.Enabled() {
		n, err := slack.New(slack.NotifierOpts{BotToken: nc.Slack.BotToken, ChannelID: nc.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if nc.Discord.Enabled() {
		n, err := discord.New(discord.NotifierOpts{BotToken: nc.Discord.BotToken, ChannelID: nc.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func demoTenantFunc(gormDB *gorm.DB, name string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		co, err := db.EnsureDemoCompany(gormDB.WithContext(ctx), name)
		if err != nil {
			return "", err
		}
		return co.ID, nil
	}
}
