package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/hub"
	"github.com/danmuck/hubctl/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:                   "hubctl",
		Usage:                  "Accept device connections and route their envelopes to the hub handlers",
		UseShortOptionHandling: true,
		Flags:                  serveFlags(),
		Action:                 runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the hub until interrupted",
				Flags:  serveFlags(),
				Action: runServe,
			},
			config.Command(config.KindHub, func(path string) error {
				_, err := config.LoadHub(path)
				return err
			}),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load hub settings from `FILE`"},
		&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "device listener `ADDR`"},
		&cli.StringFlag{Name: "admin", Usage: "admin HTTP `ADDR`; empty disables it"},
		&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "execution pool size"},
		&cli.IntFlag{Name: "max-connections", Usage: "reject connections beyond `N` (0 = unlimited)"},
		&cli.StringFlag{Name: "content-type", Usage: "outgoing envelope content type"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
	}
}

// loadConfig reads --config when given and applies flag overrides.
func loadConfig(c *cli.Context) (hub.Config, error) {
	cfg := hub.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadHub(path)
		if err != nil {
			return hub.Config{}, err
		}
		cfg = loaded
	}
	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("admin") {
		cfg.AdminAddr = c.String("admin")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("max-connections") {
		cfg.MaxConnections = c.Int("max-connections")
	}
	if c.IsSet("content-type") {
		cfg.Session.ContentType = c.String("content-type")
	}
	if err := config.ValidateHub(cfg); err != nil {
		return hub.Config{}, err
	}
	return cfg, nil
}

func runServe(c *cli.Context) error {
	logging.ConfigureRuntime("hubctl")
	if lvl, ok := logging.ParseLevel(c.String("log-level")); ok {
		zerolog.SetGlobalLevel(lvl)
	}
	gin.SetMode(gin.ReleaseMode)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	h, err := hub.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("admin", cfg.AdminAddr).
		Str("content_type", cfg.Session.ContentType).
		Msg("hubctl starting")
	return h.Run(ctx)
}
