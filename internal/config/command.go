package config

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Command is the "config init|validate" subcommand for kind.
func Command(kind string, validate func(path string) error) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "write or check a " + kind + " config file",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "write a starter config",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = kind + ".toml"
					}
					if err := WriteTemplate(path, kind, c.Bool("force")); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "load a config and report problems",
				ArgsUsage: "PATH",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return cli.Exit("config validate: PATH required", 2)
					}
					if err := validate(path); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s ok\n", path)
					return nil
				},
			},
		},
	}
}
