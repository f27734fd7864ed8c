package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli"

	"rcdrive/pkg/config"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.Run(args); err != nil {
		fmt.Fprintln(stderr, "rcdrive:", err)
		return 1
	}
	return 0
}

func newApp(stdout io.Writer, stderr io.Writer) *cli.App {
	simFlag := cli.BoolFlag{
		Name:  "sim",
		Usage: "drive an in-process controller instead of the serial port",
	}

	app := cli.NewApp()
	app.Name = "rcdrive"
	app.Usage = "safety-gated teleoperation for a differential-drive vehicle"
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: config.DefaultConfigPath,
			Usage: "config file (.toml, .yaml); a missing file means defaults",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "receiver",
			Usage: "accept one remote sender over TCP and forward to the link",
			Flags: []cli.Flag{simFlag},
			Action: func(c *cli.Context) error {
				return withRuntime(c, "receiver", stderr, func(rt *runtime) error {
					return runReceiver(rt, c.Bool("sim"))
				})
			},
		},
		{
			Name:  "web",
			Usage: "serve the browser joystick over WebSocket",
			Flags: []cli.Flag{simFlag},
			Action: func(c *cli.Context) error {
				return withRuntime(c, "web", stderr, func(rt *runtime) error {
					return runWeb(rt, c.Bool("sim"))
				})
			},
		},
		{
			Name:  "controller",
			Usage: "run the controller state machine on a serial port",
			Action: func(c *cli.Context) error {
				return withRuntime(c, "controller", stderr, func(rt *runtime) error {
					return runController(rt, stdout)
				})
			},
		},
		{
			Name:  "sender",
			Usage: "drive a remote receiver from the keyboard",
			Action: func(c *cli.Context) error {
				return withRuntime(c, "sender", stderr, runSender)
			},
		},
		{
			Name:  "local",
			Usage: "drive the link directly from the keyboard",
			Flags: []cli.Flag{simFlag},
			Action: func(c *cli.Context) error {
				return withRuntime(c, "local", stderr, func(rt *runtime) error {
					return runLocal(rt, c.Bool("sim"))
				})
			},
		},
		{
			Name:  "token",
			Usage: "mint an operator token for the web channel",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "subject", Value: "operator", Usage: "operator name"},
				cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour, Usage: "token lifetime"},
			},
			Action: func(c *cli.Context) error {
				cfg, _, err := config.LoadOrDefault(c.GlobalString("config"))
				if err != nil {
					return err
				}
				return mintToken(stdout, cfg, c.String("subject"), c.Duration("ttl"))
			},
		},
	}
	return app
}
