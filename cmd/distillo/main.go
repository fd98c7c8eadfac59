package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"distillo/internal/agent"
	"distillo/internal/batch"
	"distillo/internal/config"
	"distillo/internal/extract"
	"distillo/internal/llm"
	"distillo/internal/lockmgr"
	"distillo/internal/log"
	"distillo/internal/pipeline"
	"distillo/internal/server"
	"distillo/internal/store"
)

func main() {
	var cfgPath string

	cmd := &cli.Command{
		Name:  "distillo",
		Usage: "Personal content summarization service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to config.yaml", Destination: &cfgPath},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP API server",
				Action: func(ctx context.Context, _ *cli.Command) error {
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()
					ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
					defer stop()
					return app.server.Serve(ctx)
				},
			},
			{
				Name:      "submit",
				Usage:     "Summarize one URL or a piece of text and print the result",
				ArgsUsage: "<url-or-text>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "User id recorded on the request"},
					&cli.BoolFlag{Name: "text", Usage: "Treat the argument as forwarded text, not a URL"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					raw := c.Args().First()
					if raw == "" {
						return fmt.Errorf("usage: distillo submit <url-or-text>")
					}
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()

					sub := pipeline.Submission{Raw: raw, UserID: c.String("user")}
					if c.Bool("text") {
						return printJSON(app.pipe.ProcessForward(ctx, sub))
					}
					out := app.pipe.ProcessURL(ctx, sub)
					if err := printJSON(out); err != nil {
						return err
					}
					if out.Failure != nil {
						return fmt.Errorf("%s: %s", out.Failure.Type, out.Failure.Message)
					}
					return nil
				},
			},
			{
				Name:      "status",
				Usage:     "Show the lifecycle state of a request",
				ArgsUsage: "<request-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()
					info, err := app.pipe.Status(ctx, c.Args().First())
					if err != nil {
						return err
					}
					return printJSON(info)
				},
			},
			{
				Name:      "summary",
				Usage:     "Print the stored summary of a request",
				ArgsUsage: "<request-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()
					sum, err := app.pipe.SummaryOf(ctx, c.Args().First())
					if err != nil {
						return err
					}
					fmt.Println(sum.JSONPayload)
					return nil
				},
			},
			{
				Name:      "trail",
				Usage:     "Print the audit trail of a request",
				ArgsUsage: "<request-id>",
				Action: func(ctx context.Context, c *cli.Command) error {
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()
					events, err := app.pipe.Trail(ctx, c.Args().First())
					if err != nil {
						return err
					}
					return printJSON(events)
				},
			},
			{
				Name:      "batch",
				Usage:     "Summarize many URLs and print the report",
				ArgsUsage: "<url> [url...]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "User id recorded on the requests"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					urls := c.Args().Slice()
					if len(urls) == 0 {
						return fmt.Errorf("usage: distillo batch <url> [url...]")
					}
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()
					return printJSON(app.batches.Run(ctx, urls, c.String("user")))
				},
			},
			{
				Name:  "sweep",
				Usage: "Delete archived videos past the retention window",
				Action: func(_ context.Context, _ *cli.Command) error {
					app, err := buildApp(cfgPath)
					if err != nil {
						return err
					}
					defer app.store.Close()
					n, err := app.video.Storage().SweepExpired()
					if err != nil {
						return err
					}
					fmt.Printf("removed %d expired files\n", n)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config.Config
	store   *store.Store
	pipe    *pipeline.Coordinator
	batches *batch.Orchestrator
	video   *extract.VideoExtractor
	server  *server.Server
}

// buildApp wires the full stack from one config file.
func buildApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log.Configure(log.Config{Level: cfg.LogLevel})

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// The lock audit sink is bound after the coordinator exists.
	var sink lockmgr.AuditSink
	audit := func(event, details string) {
		if sink != nil {
			sink(event, details)
		}
	}
	var backend lockmgr.Locker
	if cfg.Lock.Backend == "redis" {
		backend = lockmgr.NewRedisLocker(cfg.Lock.RedisAddr)
	}
	locks := lockmgr.New(backend, cfg.Lock.Required, audit)

	web := extract.NewWebExtractor(cfg)
	video := extract.NewVideoExtractor(cfg)
	summarizer := agent.New(llm.New(cfg), cfg)

	pipe := pipeline.New(cfg, st, locks, web, video, summarizer)
	sink = pipe.AuditSink()

	batches := batch.New(pipe, cfg)
	return &app{
		cfg:     cfg,
		store:   st,
		pipe:    pipe,
		batches: batches,
		video:   video,
		server:  server.New(pipe, batches, cfg),
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
