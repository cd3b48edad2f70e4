// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/telehook/pkg/bridge"
	"github.com/aiku/telehook/pkg/discord"
)

func main() {
	app := &cli.App{
		Name:  "telehook",
		Usage: "bridge Discord channels through per-channel webhooks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the TOML or YAML config file",
				EnvVars: []string{"TELEHOOK_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bot token, overrides the config file",
				EnvVars: []string{"TELEHOOK_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level, overrides the config file",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := bridge.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if token := c.String("token"); token != "" {
		cfg.Token = token
	}
	if cfg.Token == "" {
		return fmt.Errorf("no bot token configured, set token in the config file or TELEHOOK_TOKEN")
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}).
		With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	client := discord.NewClient(session, *cfg, log)
	br := bridge.New(client, *cfg, log)
	bot := discord.NewBot(session, br, *cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return bot.Run(ctx)
}
