package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"portfolio-sync/config"
	"portfolio-sync/coordinator"
	"portfolio-sync/date"
	"portfolio-sync/internal/container"
	"portfolio-sync/selection"
)

type snapshotCmd struct {
	portfolio string
	date      string
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "fetch one snapshot and print it as JSON" }
func (*snapshotCmd) Usage() string {
	return `snapshot [-portfolio <id>] [-date YYYY-MM-DD]

  Runs a single sync cycle and prints the resulting view:
  - portfolio: portfolio to load, defaults to sync.initial_portfolio.
  - date: as-of date; when set the positions are valued on that day (historical mode).
`
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.portfolio, "portfolio", "", "Portfolio id")
	f.StringVar(&c.date, "date", "", "As-of date (YYYY-MM-DD), empty for live")
}

func (c *snapshotCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.LoadWithEnvOverrides(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	sel := selection.Selection{PortfolioID: cfg.Sync.InitialPortfolio}
	if c.portfolio != "" {
		sel.PortfolioID = c.portfolio
	}
	if sel.PortfolioID == "" {
		fmt.Fprintln(os.Stderr, "Error: -portfolio is required when sync.initial_portfolio is empty")
		return subcommands.ExitUsageError
	}
	if c.date != "" {
		d, err := date.Parse(c.date)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing date %q: %v\n", c.date, err)
			return subcommands.ExitUsageError
		}
		sel.AsOf = &d
	}

	coord, err := coordinator.New(coordinator.Options{
		Fetcher: container.NewRESTClient(cfg.Remote, nil),
		Initial: sel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer coord.Close()

	if err := coord.ForceRefresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(coord.Cache().View()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
