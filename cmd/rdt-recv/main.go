package main

import (
	"net/http"
	"os"

	"github.com/minio/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rdt "github.com/nicosta1132/rdt-go"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "yaml config file, flags override it",
	},
	cli.StringFlag{
		Name:  "bind",
		Usage: "address to bind",
		Value: "0.0.0.0",
	},
	cli.IntFlag{
		Name:  "port, p",
		Usage: "port to bind",
		Value: 7735,
	},
	cli.StringFlag{
		Name:  "output, o",
		Usage: "output file for delivered bytes",
		Value: "output.txt",
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
		Usage: "receive window size in segments",
	},
	cli.Float64Flag{
		Name:  "loss",
		Usage: "simulated loss probability on the receive path",
	},
	cli.StringFlag{
		Name:  "metrics-listen",
		Usage: "expose prometheus metrics on this address, empty to disable",
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
	if c.GlobalIsSet("loss") {
		cfg.LossProbability = c.GlobalFloat64("loss")
	}
	cfg.LogLevel = c.GlobalString("log-level")
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := rdt.SetupLogging(cfg.LogLevel); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	sink, err := rdt.NewFileSink(c.GlobalString("output"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	receiver, err := rdt.NewReceiver(cfg, c.GlobalString("bind"), c.GlobalInt("port"), sink)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer receiver.Stop()

	if listen := c.GlobalString("metrics-listen"); listen != "" {
		if err := receiver.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(listen, nil); err != nil {
				os.Exit(1)
			}
		}()
	}

	if err := receiver.Run(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rdt-recv"
	app.Usage = "receive files over a lossy channel with go-back-n or selective repeat"
	app.Flags = globalFlags
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
