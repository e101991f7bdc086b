package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/sandboxtransport/agent"
	"github.com/guseggert/sandboxtransport/transport/queue"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "sandbox-agent",
		Usage: "the agent serving the sandbox API over HTTP and WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tls-dir",
				Usage: "Serve over mutual TLS using the certs in this directory, as written by gen-certs.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.DurationFlag{
				Name:  "startup-delay",
				Usage: "How long the API answers 503 after the agent starts listening.",
			},
			&cli.IntFlag{
				Name:  "max-concurrent",
				Usage: "Maximum number of requests served at once on each WebSocket connection.",
				Value: queue.DefaultMaxConcurrent,
			},
			&cli.IntFlag{
				Name:  "max-queue-size",
				Usage: "Maximum number of requests waiting for a slot on each WebSocket connection.",
				Value: queue.DefaultMaxQueueSize,
			},
			&cli.DurationFlag{
				Name:  "queue-timeout",
				Usage: "How long a request may wait for a slot before it is rejected.",
				Value: queue.DefaultQueueTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			opts := []agent.Option{
				agent.WithLogLevel(level),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithStartupDelay(ctx.Duration("startup-delay")),
				agent.WithQueueOptions(
					queue.WithMaxConcurrent(ctx.Int("max-concurrent")),
					queue.WithMaxQueueSize(ctx.Int("max-queue-size")),
					queue.WithQueueTimeout(ctx.Duration("queue-timeout")),
				),
			}
			if dir := ctx.String("tls-dir"); dir != "" {
				tlsCfg, err := agent.LoadServerTLSConfig(dir)
				if err != nil {
					return fmt.Errorf("loading TLS config: %w", err)
				}
				opts = append(opts, agent.WithTLS(tlsCfg))
			}

			a, err := agent.NewAgent(opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-signals
				if err := a.Stop(); err != nil {
					log.Printf("error stopping agent: %s", err)
				}
			}()

			return a.Run()
		},
		Commands: []*cli.Command{
			{
				Name:      "gen-certs",
				Usage:     "generate a CA with server and client certs for mutual TLS",
				ArgsUsage: "DIR",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "host",
						Usage: "A DNS name or IP address the server cert is valid for. Defaults to localhost and 127.0.0.1.",
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certs are valid.",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return cli.Exit("gen-certs requires a directory", 2)
					}
					dir := ctx.Args().First()
					if err := os.MkdirAll(dir, 0o700); err != nil {
						return err
					}
					certs, err := agent.GenerateCerts(ctx.Duration("valid-for"), ctx.StringSlice("host")...)
					if err != nil {
						return err
					}
					return certs.WriteFiles(dir)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
