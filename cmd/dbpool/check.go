package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/go-i2p/dbpool/lib/core"
	"github.com/go-i2p/dbpool/lib/health"
)

// Exit codes of the check command.
const (
	exitHealthy   = 0
	exitUnhealthy = 1
	exitDegraded  = 2
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

// check connects, runs every health check once and reports.
func check(cfg *core.Config, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ConnectionTimeout.Std()+cfg.Health.Timeout.Std())
	defer cancel()

	svc, stop, err := startQuiet(ctx, cfg, logger)
	if err != nil {
		red.Fprintf(os.Stdout, "UNHEALTHY: %v\n", err)
		return exitUnhealthy
	}
	defer stop()

	report := svc.Health(ctx)
	renderReport(os.Stdout, report)
	return exitCode(report)
}

func exitCode(r health.Report) int {
	switch r.Status {
	case health.StatusHealthy:
		return exitHealthy
	case health.StatusDegraded:
		return exitDegraded
	default:
		return exitUnhealthy
	}
}

func statusColor(s health.Status) *color.Color {
	switch s {
	case health.StatusHealthy:
		return green
	case health.StatusDegraded:
		return yellow
	default:
		return red
	}
}

func renderReport(w io.Writer, r health.Report) {
	table := tablewriter.NewWriter(w)
	table.Header("Check", "Status", "Critical", "Duration", "Error")
	for _, c := range r.Checks {
		_ = table.Append(
			c.Name,
			string(c.Status),
			fmt.Sprint(c.Critical),
			c.Duration.Round(time.Microsecond).String(),
			c.Error,
		)
	}
	if err := table.Render(); err != nil {
		red.Fprintln(w, "Error rendering health table")
	}

	bold.Fprint(w, "Overall: ")
	statusColor(r.Status).Fprintln(w, string(r.Status))
}
