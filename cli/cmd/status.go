package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/cli/config"
	"github.com/nzilbb/jsendpraat/cli/render"
	"github.com/nzilbb/jsendpraat/cli/tui"
	"github.com/nzilbb/jsendpraat/router"
)

const statusTimeout = 5 * time.Second

// StatusCommand returns the status command.
// Status queries a running bridge and never starts a host.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of a running bridge",
		Flags: append(TUIReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Bridge address (host:port or URL)",
				Value: config.DefaultListen,
			},
		),
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	source := httpStatusSource(statusURL(c.String("addr")), &http.Client{Timeout: statusTimeout})

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStatus, source)
	}

	ctx, cancel := context.WithTimeout(c.Context, statusTimeout)
	defer cancel()
	status, err := source(ctx)
	if err != nil {
		return cli.Exit(fmt.Sprintf("bridge unreachable: %v", err), exitUnavailable)
	}
	return r.Render(status)
}

// statusURL turns a listen address into the bridge status endpoint.
func statusURL(addr string) string {
	base := strings.TrimSuffix(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base + "/status"
}

// httpStatusSource fetches router.Status from url.
func httpStatusSource(url string, client *http.Client) tui.StatusSource {
	return func(ctx context.Context) (router.Status, error) {
		var status router.Status
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return status, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return status, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return status, fmt.Errorf("%s: %s", url, resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return status, fmt.Errorf("decode status: %w", err)
		}
		return status, nil
	}
}
