package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/cli/config"
	"github.com/nzilbb/jsendpraat/gateway"
	"github.com/nzilbb/jsendpraat/router"
	"github.com/nzilbb/jsendpraat/types"
)

// Exit codes shared by serve and send.
const (
	exitSuccess     = 0
	exitHostFailure = 1
	exitUnavailable = 2
	exitUsage       = 3
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the bridge: browser gateway plus native host router",
		Flags: append(ConfigFlags(),
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Gateway listen address (overrides config listen)",
			},
			&cli.StringFlag{
				Name:  "host-command",
				Usage: "Native host executable (overrides config host.command)",
			},
		),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitUsage)
	}
	if listen := c.String("listen"); listen != "" {
		cfg.Listen = listen
	}
	if command := c.String("host-command"); command != "" {
		cfg.Host.Command = command
	}

	ctx, cancel := signalContext()
	defer cancel()

	comp, err := buildComponents(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("startup failed: %v", err), exitUsage)
	}
	defer func() {
		if err := comp.Close(); err != nil {
			comp.logger.Error("shutdown", map[string]any{"error": err.Error()})
		}
	}()

	return serve(ctx, cfg, comp)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serve runs the router and gateway until ctx is cancelled or either
// stops.
func serve(ctx context.Context, cfg *config.Config, comp *components) error {
	logger := comp.logger

	// The router's indicator needs the gateway and the gateway needs the
	// router, so the badge hook reads gw once it is set.
	var gw *gateway.Server
	rt, err := router.New(router.Config{
		Launcher:     comp.launcher,
		Framer:       framerConfig(cfg),
		PendingLimit: cfg.PendingLimit,
		MailboxSize:  cfg.MailboxSize,
		Store:        comp.store,
		Notifier:     comp.notifier,
		Journal:      comp.journal,
		Collector:    comp.collector,
		Logger:       logger.Named("router"),
		Indicator: router.IndicatorFunc(func(sender types.SenderID, count int) {
			gw.SetBadge(sender, count)
		}),
		OnStateChange: func(from, to types.ConnectionState) {
			logger.Debug("host state", map[string]any{"from": from.String(), "to": to.String()})
		},
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("router: %v", err), exitUsage)
	}

	gw = gateway.New(rt, gateway.Config{
		Addr:           cfg.Listen,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.Named("gateway"),
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	routerErr := make(chan error, 1)
	go func() {
		routerErr <- rt.Run(runCtx)
		stop()
	}()

	logger.Info("bridge starting", map[string]any{
		"addr":         cfg.Listen,
		"host_command": cfg.Host.Command,
		"framing":      framing(cfg),
		"journal":      cfg.Journal.Backend,
	})

	serveErr := gw.ListenAndServe(runCtx)
	stop()
	if err := <-routerErr; err != nil {
		return cli.Exit(fmt.Sprintf("router: %v", err), exitHostFailure)
	}
	if serveErr != nil {
		return cli.Exit(fmt.Sprintf("gateway: %v", serveErr), exitHostFailure)
	}
	logger.Info("bridge stopped", nil)
	return nil
}
