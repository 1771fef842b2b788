package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/cli/render"
	"github.com/nzilbb/jsendpraat/host"
	"github.com/nzilbb/jsendpraat/ipc"
	"github.com/nzilbb/jsendpraat/log"
	"github.com/nzilbb/jsendpraat/registry"
	"github.com/nzilbb/jsendpraat/router"
	"github.com/nzilbb/jsendpraat/state"
	"github.com/nzilbb/jsendpraat/types"
)

// cliSender is the sender id used for one-shot requests.
const cliSender types.SenderID = "cli"

// DefaultSendTimeout bounds a one-shot request.
const DefaultSendTimeout = 30 * time.Second

// ReplyView is the rendered form of a host reply.
type ReplyView struct {
	Kind    string `json:"kind" yaml:"kind"`
	Ref     string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Code    *int   `json:"code,omitempty" yaml:"code,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	Value   *int   `json:"value,omitempty" yaml:"value,omitempty"`
	Maximum *int   `json:"maximum,omitempty" yaml:"maximum,omitempty"`
}

// NewReplyView flattens reply for rendering.
func NewReplyView(reply types.Reply) ReplyView {
	v := ReplyView{
		Kind: string(reply.Kind()),
		Ref:  string(reply.Header().Ref),
	}
	switch r := reply.(type) {
	case types.VersionInfo:
		v.Version = r.Version
		v.Code = &r.Code
		v.Message = r.Error
	case types.StatusCode:
		v.Code = &r.Code
		v.Message = r.Message
		if r.Error != "" {
			v.Message = r.Error
		}
	case types.Progress:
		v.Label = r.Label
		v.Value = &r.Value
		v.Maximum = &r.Maximum
	case types.ErrorReply:
		v.Code = &r.Code
		v.Message = r.Message
	}
	return v
}

// SendCommand returns the send command.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one script (or a version query) to the native host",
		ArgsUsage: "[script line...]",
		Flags: append(append(ConfigFlags(), FormatFlag, NoColorFlag),
			&cli.StringFlag{
				Name:  "script-file",
				Usage: "Read script lines from a file (- for stdin)",
			},
			&cli.BoolFlag{
				Name:  "version",
				Usage: "Ask the host for its version instead of running a script",
			},
			&cli.StringFlag{
				Name:  "authorization",
				Usage: "Authorization header value for remote media",
			},
			&cli.StringFlag{
				Name:  "host-command",
				Usage: "Native host executable (overrides config host.command)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up when no final reply arrives in time",
				Value: DefaultSendTimeout,
			},
		),
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitUsage)
	}
	if command := c.String("host-command"); command != "" {
		cfg.Host.Command = command
	}

	req, err := sendRequestFromFlags(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	return runSend(ctx, sendOptions{
		Launcher: buildLauncher(cfg, logger),
		Framer:   framerConfig(cfg),
		Request:  req,
		Timeout:  c.Duration("timeout"),
		Logger:   logger,
		OnReply: func(reply types.Reply) error {
			return r.Render(NewReplyView(reply))
		},
	})
}

func sendRequestFromFlags(c *cli.Context) (types.Request, error) {
	lines := c.Args().Slice()
	if path := c.String("script-file"); path != "" {
		fileLines, err := readScript(path)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fileLines...)
	}

	if c.Bool("version") {
		if len(lines) > 0 {
			return nil, errors.New("--version takes no script lines")
		}
		return types.GetVersion{}, nil
	}
	if len(lines) == 0 {
		return nil, errors.New("script lines required (arguments or --script-file)")
	}
	return types.RunCommand{Script: lines, Authorization: c.String("authorization")}, nil
}

// readScript reads one command per line from path, or stdin for "-".
func readScript(path string) ([]string, error) {
	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open script: %w", err)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	var lines []string
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return lines, nil
}

type sendOptions struct {
	Launcher host.Launcher
	Framer   ipc.FramerConfig
	Request  types.Request
	Timeout  time.Duration
	Logger   *log.Logger
	// OnReply receives every reply for the request, progress included.
	OnReply func(types.Reply) error
}

// noticeChannel captures lifecycle notices so a one-shot run can report
// why the host never answered.
type noticeChannel chan *adapter.LifecycleNotice

func (n noticeChannel) Publish(_ context.Context, notice *adapter.LifecycleNotice) error {
	select {
	case n <- notice:
	default:
	}
	return nil
}

func (n noticeChannel) Close() error { return nil }

// runSend submits one request through a private router and waits for its
// final reply. The returned error carries the exit code.
func runSend(ctx context.Context, opts sendOptions) error {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSendTimeout
	}
	notices := make(noticeChannel, 2)

	rt, err := router.New(router.Config{
		Launcher: opts.Launcher,
		Framer:   opts.Framer,
		Store:    state.NewMemoryStore(),
		Notifier: notices,
		Logger:   opts.Logger,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		<-rt.Done()
	}()
	go func() { _ = rt.Run(runCtx) }()

	replies := registry.NewChanChannel(16)
	if err := rt.Register(runCtx, cliSender, replies); err != nil {
		return cli.Exit(err.Error(), exitHostFailure)
	}
	if err := rt.Submit(runCtx, cliSender, opts.Request); err != nil {
		return cli.Exit(err.Error(), exitHostFailure)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-replies.C():
			if done, err := handleSendReply(reply, opts.OnReply); done {
				return err
			}
		case notice := <-notices:
			// A host that answers and then exits raises a notice too.
			select {
			case reply := <-replies.C():
				if done, err := handleSendReply(reply, opts.OnReply); done {
					return err
				}
			default:
			}
			return cli.Exit(noticeMessage(notice), exitUnavailable)
		case <-timer.C:
			return cli.Exit(fmt.Sprintf("no reply from host after %s", opts.Timeout), exitUnavailable)
		case <-ctx.Done():
			return cli.Exit("interrupted", exitHostFailure)
		}
	}
}

// handleSendReply passes reply to onReply and reports whether it ends the
// request, with the exit error to return.
func handleSendReply(reply types.Reply, onReply func(types.Reply) error) (bool, error) {
	if onReply != nil {
		if err := onReply(reply); err != nil {
			return true, err
		}
	}
	code, done := finalExitCode(reply)
	if !done || code == exitSuccess {
		return done, nil
	}
	return true, cli.Exit("", code)
}

// finalExitCode reports whether reply ends a one-shot request and the
// exit code it maps to.
func finalExitCode(reply types.Reply) (int, bool) {
	switch r := reply.(type) {
	case types.StatusCode:
		if r.Code == types.CodeSuccess {
			return exitSuccess, true
		}
		return exitHostFailure, true
	case types.VersionInfo:
		if r.Version == "" {
			return exitHostFailure, true
		}
		return exitSuccess, true
	case types.ErrorReply:
		return exitHostFailure, true
	default:
		return 0, false
	}
}

func noticeMessage(notice *adapter.LifecycleNotice) string {
	var msg string
	switch notice.EventType {
	case adapter.NoticeUpgradeNeeded:
		msg = fmt.Sprintf("host rejected: version %q is older than %s", notice.HostVersion, notice.MinimumVersion)
	default:
		msg = "host unavailable"
	}
	if notice.Reason != "" {
		msg += ": " + notice.Reason
	}
	if notice.Page != "" {
		msg += " (see " + notice.Page + ")"
	}
	return msg
}
