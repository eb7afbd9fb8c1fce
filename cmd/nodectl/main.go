package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/hubctl/internal/bridge"
	"github.com/danmuck/hubctl/internal/config"
	"github.com/danmuck/hubctl/internal/handlers/voice"
	"github.com/danmuck/hubctl/internal/logging"
	"github.com/danmuck/hubctl/internal/node"
	"github.com/danmuck/hubctl/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:                   "nodectl",
		Usage:                  "Connect a device to a hub and serve its requests",
		UseShortOptionHandling: true,
		Flags:                  nodeFlags(),
		Action:                 runNode,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "stay connected until interrupted",
				Flags:  nodeFlags(),
				Action: runNode,
			},
			{
				Name:      "ask",
				Usage:     "send one voice command to the hub and print the reply",
				ArgsUsage: "TEXT...",
				Flags: append(nodeFlags(),
					&cli.BoolFlag{Name: "talk", Usage: "ask the hub to speak the reply"},
				),
				Action: runAsk,
			},
			config.Command(config.KindNode, func(path string) error {
				_, err := config.LoadNode(path)
				return err
			}),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
}

func nodeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load node settings from `FILE`"},
		&cli.StringFlag{Name: "hub", Usage: "hub `ADDR`"},
		&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "device name"},
		&cli.IntFlag{Name: "max-connect-attempts", Usage: "give up after `N` failed dials (0 = never)"},
		&cli.StringFlag{Name: "content-type", Usage: "outgoing envelope content type"},
		&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
	}
}

// loadConfig reads --config when given and applies flag overrides.
func loadConfig(c *cli.Context) (node.Config, error) {
	cfg := node.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadNode(path)
		if err != nil {
			return node.Config{}, err
		}
		cfg = loaded
	}
	if c.IsSet("hub") {
		cfg.HubAddress = c.String("hub")
	}
	if c.IsSet("name") {
		cfg.Name = c.String("name")
	}
	if c.IsSet("max-connect-attempts") {
		cfg.MaxConnectAttempts = c.Int("max-connect-attempts")
	}
	if c.IsSet("content-type") {
		cfg.Session.ContentType = c.String("content-type")
	}
	if err := config.ValidateNode(cfg); err != nil {
		return node.Config{}, err
	}
	return cfg, nil
}

func setup(c *cli.Context) (*node.Node, error) {
	logging.ConfigureRuntime("nodectl")
	if lvl, ok := logging.ParseLevel(c.String("log-level")); ok {
		zerolog.SetGlobalLevel(lvl)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return node.New(cfg)
}

func runNode(c *cli.Context) error {
	n, err := setup(c)
	if err != nil {
		return err
	}
	n.OnVoiceReply(func(peer bridge.Peer, r voice.Reply) {
		log.Info().
			Str("hub", peer.ID()).
			Bool("success", r.Success).
			Str("resp", r.Resp).
			Msg("nodectl voice reply")
	})
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}

func runAsk(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return cli.Exit("ask: TEXT required", 2)
	}
	n, err := setup(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	out, err := n.Get(ctx, voice.Request{Voice: text, Talk: c.Bool("talk")}, protocol.OpVoice)
	cancel()
	if runErr := <-done; runErr != nil && errors.Is(err, node.ErrStopped) {
		err = runErr
	}
	if err != nil {
		return err
	}
	var reply voice.Reply
	if err := protocol.DecodeContent(out, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return cli.Exit("hub did not understand: "+text, 1)
	}
	fmt.Fprintln(c.App.Writer, reply.Resp)
	return nil
}
