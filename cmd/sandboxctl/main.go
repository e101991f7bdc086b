package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/guseggert/sandboxtransport/agent"
	"github.com/guseggert/sandboxtransport/transport"
	"github.com/guseggert/sandboxtransport/transport/wire"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var (
		tr     transport.Transport
		logger *zap.SugaredLogger
	)

	app := &cli.App{
		Name:  "sandboxctl",
		Usage: "send requests to a sandbox agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file. Flags override its values.",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Transport to use. One of [stateless,duplex].",
				Value: string(transport.ModeStateless),
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "The base URL of the sandbox agent.",
				Value: "http://127.0.0.1:8080",
			},
			&cli.StringFlag{
				Name:  "ws-url",
				Usage: "The WebSocket URL of the sandbox agent. Defaults to the base URL with a /ws path.",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "A header to send with every request, as KEY=VALUE. Can be repeated.",
			},
			&cli.StringFlag{
				Name:  "tls-dir",
				Usage: "Use mutual TLS with the certs in this directory, as written by sandbox-agent gen-certs.",
			},
			&cli.BoolFlag{
				Name:  "retry",
				Usage: "Retry calls while the sandbox is starting.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Before: func(ctx *cli.Context) error {
			var err error
			tr, logger, err = buildTransport(ctx)
			return err
		},
		After: func(ctx *cli.Context) error {
			if tr == nil {
				return nil
			}
			return tr.Disconnect()
		},
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "perform a call and print the response body",
				ArgsUsage: "METHOD PATH [BODY]",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() < 2 {
						return cli.Exit("call requires a method and a path", 2)
					}
					return doCall(ctx.Context, tr, strings.ToUpper(ctx.Args().Get(0)), ctx.Args().Get(1), ctx.Args().Get(2))
				},
			},
			{
				Name:      "stream",
				Usage:     "perform a streaming call and copy the stream to stdout",
				ArgsUsage: "PATH [BODY]",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() < 1 {
						return cli.Exit("stream requires a path", 2)
					}
					body, err := tr.Stream(ctx.Context, http.MethodPost, ctx.Args().Get(0), requestBody(ctx.Args().Get(1)))
					if err != nil {
						return err
					}
					defer body.Close()
					_, err = io.Copy(os.Stdout, body)
					return err
				},
			},
			{
				Name:  "ping",
				Usage: "check that the sandbox agent is serving",
				Action: func(ctx *cli.Context) error {
					return doCall(ctx.Context, tr, http.MethodGet, "/api/ping", "")
				},
			},
			{
				Name:      "shell",
				Usage:     "start a terminal session, forwarding stdin to it and its output to stdout (duplex only)",
				ArgsUsage: "[COMMAND [ARGS...]]",
				Action: func(ctx *cli.Context) error {
					return shell(ctx.Context, logger.Named("shell"), tr, ctx.Args().Slice())
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildTransport(ctx *cli.Context) (transport.Transport, *zap.SugaredLogger, error) {
	var cfg config
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = loadConfig(path)
		if err != nil {
			return nil, nil, err
		}
	}
	if ctx.IsSet("mode") || cfg.Mode == "" {
		cfg.Mode = ctx.String("mode")
	}
	if ctx.IsSet("base-url") || cfg.BaseURL == "" {
		cfg.BaseURL = ctx.String("base-url")
	}
	if ctx.IsSet("ws-url") {
		cfg.WebSocketURL = ctx.String("ws-url")
	}
	if ctx.IsSet("tls-dir") {
		cfg.TLSDir = ctx.String("tls-dir")
	}
	if cfg.TLSDir != "" {
		tlsCfg, err := agent.LoadClientTLSConfig(cfg.TLSDir)
		if err != nil {
			return nil, nil, fmt.Errorf("loading TLS config: %w", err)
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsCfg
		tr.ForceAttemptHTTP2 = false
		cfg.HTTPClient = &http.Client{Transport: tr}
	}
	if ctx.IsSet("retry") {
		cfg.Retry = ctx.Bool("retry")
	}
	for _, h := range ctx.StringSlice("header") {
		k, v, ok := strings.Cut(h, "=")
		if !ok {
			return nil, nil, fmt.Errorf("header %q is not of the form KEY=VALUE", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		cfg.Headers[k] = v
	}

	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	cfg.Logger = logger.Sugar()

	mode, err := transport.ParseMode(cfg.Mode)
	if err != nil {
		return nil, nil, err
	}
	tr, err := transport.New(mode, cfg.Config)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Retry {
		tr = transport.WithRetry(tr, transport.WithRetryLogger(cfg.Logger))
	}
	return tr, cfg.Logger, nil
}

// requestBody sends valid JSON as-is and anything else as a JSON string.
func requestBody(arg string) any {
	if arg == "" {
		return nil
	}
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

func doCall(ctx context.Context, tr transport.Transport, method, path, body string) error {
	resp, err := tr.Call(ctx, method, path, requestBody(body))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d %s\n", resp.Status, http.StatusText(resp.Status))
	os.Stdout.Write(resp.Body)
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Println()
	}
	if !resp.OK() {
		return cli.Exit("", 1)
	}
	return nil
}

func shell(ctx context.Context, log *zap.SugaredLogger, tr transport.Transport, args []string) error {
	if tr.Mode() != transport.ModeDuplex {
		return fmt.Errorf("shell: %w", transport.ErrUnsupported)
	}
	var req agent.StartTerminalRequest
	if len(args) > 0 {
		req.Command = args[0]
		req.Args = args[1:]
	}
	resp, err := tr.Call(ctx, http.MethodPost, "/api/terminals", req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("starting terminal: status %d: %s", resp.Status, resp.Body)
	}
	var started agent.StartTerminalResponse
	if err := resp.Decode(&started); err != nil {
		return err
	}

	exitCode := make(chan string, 1)
	unsubscribe, err := tr.OnStreamEvent(started.ID, agent.EventOutput, func(data string) { os.Stdout.WriteString(data) })
	if err != nil {
		return err
	}
	defer unsubscribe()
	unsubscribe, err = tr.OnStreamEvent(started.ID, agent.EventExit, func(data string) { exitCode <- data })
	if err != nil {
		return err
	}
	defer unsubscribe()

	go func() {
		in := bufio.NewReader(os.Stdin)
		for {
			line, err := in.ReadString('\n')
			if line != "" {
				if err := tr.SendControl(ctx, wire.TerminalInput{TargetID: started.ID, Data: line}); err != nil {
					log.Errorf("error sending input: %s", err)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Errorf("error reading stdin: %s", err)
				}
				tr.SendControl(ctx, wire.TerminalClose{TargetID: started.ID})
				return
			}
		}
	}()

	select {
	case code := <-exitCode:
		if code != "0" {
			return cli.Exit("", 1)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
