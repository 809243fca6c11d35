package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/minio/cli"

	rdt "github.com/nicosta1132/rdt-go"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "yaml config file, flags override it",
	},
	cli.StringFlag{
		Name:  "peer",
		Usage: "receiver host",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:  "port, p",
		Usage: "receiver port",
		Value: 7735,
	},
	cli.StringFlag{
		Name:  "bind",
		Usage: "local address to bind, empty for ephemeral",
	},
	cli.IntFlag{
		Name:  "bind-port",
		Usage: "local port to bind, 0 for ephemeral",
	},
	cli.StringFlag{
		Name:  "protocol",
		Usage: "arq discipline: gbn or sr",
		Value: "gbn",
	},
	cli.IntFlag{
		Name:  "mss",
		Usage: "maximum segment payload size",
	},
	cli.IntFlag{
		Name:  "window, w",
		Usage: "window size in segments",
	},
	cli.StringFlag{
		Name:  "rto-mode",
		Usage: "rto strategy: adaptive or fixed",
	},
	cli.DurationFlag{
		Name:  "rto",
		Usage: "initial retransmission timeout",
	},
	cli.IntFlag{
		Name:  "max-timeouts",
		Usage: "abort after this many timeout events",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "logging level",
		Value: "info",
	},
}

func loadConfig(c *cli.Context) (rdt.Config, error) {
	var cfg rdt.Config
	var err error
	if path := c.GlobalString("config"); path != "" {
		cfg, err = rdt.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = rdt.DefaultConfig(rdt.Protocol(c.GlobalString("protocol")))
	}
	if c.GlobalIsSet("protocol") {
		cfg.Protocol = rdt.Protocol(c.GlobalString("protocol"))
	}
	if mss := c.GlobalInt("mss"); mss > 0 {
		cfg.MSS = mss
	}
	if window := c.GlobalInt("window"); window > 0 {
		cfg.WindowSize = window
	}
	if mode := c.GlobalString("rto-mode"); mode != "" {
		cfg.RTOMode = rdt.RTOMode(mode)
	}
	if rto := c.GlobalDuration("rto"); rto > 0 {
		cfg.InitialRTO = rto
	}
	if maxTimeouts := c.GlobalInt("max-timeouts"); maxTimeouts > 0 {
		cfg.MaxTimeouts = maxTimeouts
	}
	cfg.LogLevel = c.GlobalString("log-level")
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: rdt-send [flags] <file>", 1)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := rdt.SetupLogging(cfg.LogLevel); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	buffer, err := os.ReadFile(c.Args().First())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	sender, err := rdt.NewSender(cfg, c.GlobalString("bind"), c.GlobalInt("bind-port"),
		c.GlobalString("peer"), c.GlobalInt("port"), buffer)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer sender.Stop()

	result, err := sender.Run()
	printResult(result, len(buffer))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func printResult(result rdt.Result, total int) {
	status := color.GreenString("%s", result.Status)
	if result.Status != rdt.StatusCompleted {
		status = color.RedString("%s", result.Status)
	}
	fmt.Printf("%s  %d/%d bytes acked in %s (%d retransmissions, %d timeouts)\n",
		status, result.BytesAcked, total, result.Elapsed.Round(time.Millisecond),
		result.Retransmissions, result.Timeouts)
}

func main() {
	app := cli.NewApp()
	app.Name = "rdt-send"
	app.Usage = "send a file over a lossy channel with go-back-n or selective repeat"
	app.Flags = globalFlags
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
