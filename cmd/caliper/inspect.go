package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/caliper/internal/calib"
)

func inspectCmd() *cli.Command {
	var reportPath string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a calibration report written by the calibrate command",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "report",
				Aliases:     []string{"r"},
				Usage:       "path to report JSON",
				Destination: &reportPath,
				Required:    true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			report, err := calib.LoadReport(reportPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			section("Run")
			row("id", report.ID)
			row("model", report.Model)
			row("created_at", report.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			rowInt("num_blocks", report.NumBlocks)
			row("act_order", fmt.Sprintf("%v", report.ActOrder))
			rowInt("batches", report.Batches)

			section("Layers")
			for _, lr := range report.Layers {
				status := "ok"
				if lr.Skipped {
					status = "skipped"
				}
				fmt.Printf("%-16s %-8s kind=%-7s shape=[%d %d] groups=%d samples=%d err=%.6f->%.6f\n",
					lr.Layer, status, lr.Kind, lr.Rows, lr.Columns, lr.Groups, lr.Samples,
					lr.MeanErrBefore, lr.MeanErrAfter)
			}
			return nil
		},
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-16s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}
