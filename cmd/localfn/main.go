package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/localfn/localfn/pkg/build"
	"github.com/localfn/localfn/pkg/config"
	"github.com/localfn/localfn/pkg/metadata"
	"github.com/localfn/localfn/pkg/registry"
	"github.com/localfn/localfn/pkg/router"
	"github.com/localfn/localfn/pkg/runtimeapi"
	"github.com/localfn/localfn/pkg/utils"
	"github.com/localfn/localfn/pkg/watch"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to the workspace manifest",
	Value:   config.DefaultManifest,
	Aliases: []string{"c"},
}

var addrFlag = &cli.StringFlag{
	Name:  "addr",
	Usage: "address of the runtime API server",
	Value: "",
}

var timeoutFlag = &cli.DurationFlag{
	Name:    "timeout",
	Usage:   "invocation deadline, example: 30s, 1m",
	Aliases: []string{"t"},
}

func main() {
	cmd := &cli.Command{
		Name:  "localfn",
		Usage: "build, run and invoke serverless functions locally",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Value: "dev", Usage: "text, json or dev"},
			&cli.StringFlag{Name: "log-file", Value: "", Usage: "log file path (defaults to stdout)"},
		},
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "run the local control plane, rebuilding functions on source changes",
				Flags: []cli.Flag{addrFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runWatch(ctx, cmd)
				},
			},
			{
				Name:      "invoke",
				Usage:     "send an invocation to a function served by `localfn watch`",
				ArgsUsage: "function name",
				Flags: []cli.Flag{
					addrFlag,
					timeoutFlag,
					&cli.StringFlag{
						Name:    "data",
						Usage:   "payload to send, or @path to read a file",
						Value:   "{}",
						Aliases: []string{"d"},
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runInvoke(ctx, cmd)
				},
			},
			{
				Name:  "list",
				Usage: "show the state of every function known to the running control plane",
				Flags: []cli.Flag{addrFlag},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runList(ctx, cmd)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cmd *cli.Command) (config.Config, string, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, path, nil
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	cfg, manifestPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := utils.SetupLogger(cmd.String("log-level"), cmd.String("log-format"), cmd.String("log-file"))

	store := metadata.NewWorkspaceStore(cfg)
	builder := build.NewExecBuilder(cfg.Build.Command, cfg.Build.OutDir, logger)
	launcher := registry.NewExecLauncher(logger)

	reg := registry.New(store, builder, launcher, registry.Options{
		RuntimeAPIAddr: cfg.Server.Addr,
		Target:         cfg.Build.Target,
		Profile:        cfg.Build.Profile,
		StartupTimeout: cfg.Server.StartupTimeout.Std(),
		ShutdownGrace:  cfg.Server.ShutdownGrace.Std(),
		RetryBudget:    cfg.Server.RetryBudget,
		QueueDepth:     cfg.Server.QueueDepth,
	}, logger)
	defer reg.Shutdown()

	rt := router.New(reg, cfg.Server.InvokeTimeout.Std(), logger)
	server := runtimeapi.NewServer(cfg.Server.Addr, reg, rt, logger)

	functions, err := store.List()
	if err != nil {
		return err
	}
	watcher := watch.New(functions, cfg.SharedPaths(manifestPath),
		cfg.Watch.Debounce.Std(), cfg.Watch.PollInterval.Std(), reg, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })

	logger.Info("workspace ready", "functions", len(functions), "address", cfg.Server.Addr)
	return g.Wait()
}

func runInvoke(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().Get(0)
	if name == "" {
		return cli.Exit("missing function name", 1)
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	data := cmd.String("data")
	payload := []byte(data)
	if len(data) > 1 && data[0] == '@' {
		payload, err = os.ReadFile(data[1:])
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	url := fmt.Sprintf("http://%s/2015-03-31/functions/%s/invocations", cfg.Server.Addr, name)

	// the watch server may still be coming up; the body must be rebuilt per
	// attempt
	resp, err := utils.CallWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if timeout := cmd.Duration("timeout"); timeout > 0 {
			req.Header.Set("X-Localfn-Timeout", timeout.String())
		}
		return http.DefaultClient.Do(req)
	}, 3, 200*time.Millisecond)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("%s\n", body)

	switch {
	case resp.Header.Get("X-Amz-Function-Error") != "":
		return cli.Exit("", 2)
	case resp.StatusCode != http.StatusOK:
		return cli.Exit("", 1)
	}
	return nil
}

func runList(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	url := fmt.Sprintf("http://%s/localfn/status", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer resp.Body.Close()

	var status struct {
		Functions []registry.FunctionStatus `json:"functions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	for _, fn := range status.Functions {
		fmt.Printf("%-30s %-10s queued=%d crashes=%d\n", fn.Name, fn.State, fn.QueuedInvocations, fn.ConsecutiveCrashes)
	}
	return nil
}
