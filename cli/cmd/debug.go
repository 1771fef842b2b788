package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/cli/render"
	"github.com/nzilbb/jsendpraat/ipc"
)

// DebugCommand returns the debug command with subcommands.
// Debug commands are read-only diagnostic tools.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (frames)",
		Subcommands: []*cli.Command{
			debugFramesCommand(),
		},
	}
}

func debugFramesCommand() *cli.Command {
	return &cli.Command{
		Name:      "frames",
		Usage:     "Decode a captured host output stream",
		ArgsUsage: "<file|->",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Stream has no length prefixes (--suppress-message-size mode)",
			},
			&cli.IntFlag{
				Name:  "max-frame-bytes",
				Usage: "Largest accepted payload (0 uses the default)",
			},
		),
		Action: debugFramesAction,
	}
}

// FrameView is one decoded frame of a captured stream.
type FrameView struct {
	Index   int    `json:"index" yaml:"index"`
	Size    int    `json:"size" yaml:"size"`
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Ref     string `json:"ref,omitempty" yaml:"ref,omitempty"`
	Code    *int   `json:"code,omitempty" yaml:"code,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// FramesResponse is the result of decoding a stream.
type FramesResponse struct {
	Frames []FrameView `json:"frames" yaml:"frames"`
	// StreamError is the framing failure that ended decoding, if any.
	StreamError string `json:"stream_error,omitempty" yaml:"stream_error,omitempty"`
}

func debugFramesAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("capture file required (- for stdin)", exitUsage)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	// TUI not supported for debug commands
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for debug commands", exitUsage)
	}

	var src io.Reader = os.Stdin
	if path := c.Args().First(); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("open capture: %v", err), exitUsage)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	resp := decodeFrames(src, ipc.FramerConfig{
		Raw:            c.Bool("raw"),
		MaxPayloadSize: c.Int("max-frame-bytes"),
	})
	if r.Format() == render.FormatTable {
		if err := r.Render(resp.Frames); err != nil {
			return err
		}
		if resp.StreamError != "" {
			return cli.Exit(resp.StreamError, exitHostFailure)
		}
		return nil
	}
	if err := r.Render(resp); err != nil {
		return err
	}
	if resp.StreamError != "" {
		return cli.Exit("", exitHostFailure)
	}
	return nil
}

// decodeFrames reads every frame from src and decodes each as a host
// reply. Decoding stops at the first framing error.
func decodeFrames(src io.Reader, framer ipc.FramerConfig) FramesResponse {
	resp := FramesResponse{Frames: []FrameView{}}
	dec := ipc.NewFrameDecoder(src, framer)
	for i := 0; ; i++ {
		payload, err := dec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				resp.StreamError = err.Error()
			}
			return resp
		}

		view := FrameView{Index: i, Size: len(payload)}
		reply, err := ipc.DecodeReply(payload)
		if err != nil {
			view.Error = err.Error()
		} else {
			rv := NewReplyView(reply)
			view.Kind = rv.Kind
			view.Ref = rv.Ref
			view.Code = rv.Code
			view.Version = rv.Version
			view.Message = rv.Message
		}
		resp.Frames = append(resp.Frames, view)
	}
}
