package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nzilbb/jsendpraat/cli/config"
	"github.com/nzilbb/jsendpraat/cli/render"
	"github.com/nzilbb/jsendpraat/cli/tui"
	"github.com/nzilbb/jsendpraat/journal"
)

// JournalCommand returns the journal command.
// The backend comes from the config file unless --backend is given.
func JournalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "List recent journal records, newest first",
		Flags: append(append(TUIReadOnlyFlags(), ConfigFlag),
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Journal backend: fs or s3 (overrides config)",
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "Journal directory (fs) or bucket/prefix (s3)",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "AWS region (s3)",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Custom S3 endpoint, e.g. MinIO (s3)",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Force path-style S3 addressing (s3)",
			},
			&cli.StringFlag{
				Name:  "day",
				Usage: "Only records from this UTC day (YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Only records for this sender, e.g. tab:7",
			},
			&cli.StringFlag{
				Name:  "direction",
				Usage: "Only records in this direction: out, in, dropped",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum records to list",
				Value: journal.DefaultListLimit,
			},
		),
		Action: journalAction,
	}
}

func journalAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	jc, err := journalConfigFromFlags(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	filter, err := journalFilterFromFlags(c)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ds, err := openDataset(c.Context, jc)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open journal: %v", err), exitUnavailable)
	}
	records, err := journal.List(c.Context, ds, filter)
	if err != nil {
		return cli.Exit(fmt.Sprintf("list journal: %v", err), exitUnavailable)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewJournal, records)
	}
	if records == nil {
		records = []journal.Record{}
	}
	return r.Render(records)
}

// journalConfigFromFlags merges journal flags over the config file.
func journalConfigFromFlags(c *cli.Context) (config.JournalConfig, error) {
	var jc config.JournalConfig
	if path := c.String("config"); path != "" {
		cfg, err := config.Resolve(path)
		if err != nil {
			return jc, fmt.Errorf("invalid config: %w", err)
		}
		jc = cfg.Journal
	}

	if v := c.String("backend"); v != "" {
		jc.Backend = v
	}
	if v := c.String("path"); v != "" {
		jc.Path = v
	}
	if v := c.String("region"); v != "" {
		jc.Region = v
	}
	if v := c.String("endpoint"); v != "" {
		jc.Endpoint = v
	}
	if c.Bool("s3-path-style") {
		jc.S3PathStyle = true
	}

	switch jc.Backend {
	case config.JournalFS, config.JournalS3:
	case "", config.JournalNone:
		return jc, fmt.Errorf("no journal backend configured (use --backend fs|s3 or --config)")
	default:
		return jc, fmt.Errorf("journal backend %q is not one of fs, s3", jc.Backend)
	}
	if jc.Path == "" {
		return jc, fmt.Errorf("--path is required for the %s backend", jc.Backend)
	}
	return jc, nil
}

func journalFilterFromFlags(c *cli.Context) (journal.Filter, error) {
	f := journal.Filter{
		Day:    c.String("day"),
		Sender: c.String("sender"),
		Limit:  c.Int("limit"),
	}
	switch d := journal.Direction(c.String("direction")); d {
	case "", journal.DirectionOut, journal.DirectionIn, journal.DirectionDropped:
		f.Direction = d
	default:
		return f, fmt.Errorf("direction %q is not one of out, in, dropped", d)
	}
	return f, nil
}
