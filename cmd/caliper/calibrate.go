package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/caliper/internal/calib"
	"github.com/samcharles93/caliper/internal/gptq"
)

func calibrateCmd() *cli.Command {
	var (
		sizes      string
		batches    int64
		batchSize  int64
		numBlocks  int64
		actOrder   bool
		percDamp   float64
		bits       int64
		seed       int64
		quantActs  bool
		outputPath string
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Calibrate a demo MLP against synthetic data and report the results",
		Flags: append(logFlags(),
			&cli.StringFlag{
				Name:        "sizes",
				Usage:       "comma-separated layer sizes (input,hidden...,output)",
				Value:       "16,32,8",
				Destination: &sizes,
			},
			&cli.Int64Flag{
				Name:        "batches",
				Usage:       "number of calibration batches",
				Value:       8,
				Destination: &batches,
			},
			&cli.Int64Flag{
				Name:        "batch-size",
				Usage:       "samples per batch",
				Value:       16,
				Destination: &batchSize,
			},
			&cli.Int64Flag{
				Name:        "blocks",
				Usage:       "number of column blocks for the weight update",
				Value:       1,
				Destination: &numBlocks,
			},
			&cli.BoolFlag{
				Name:        "act-order",
				Usage:       "process columns in descending activation magnitude order",
				Destination: &actOrder,
			},
			&cli.FloatFlag{
				Name:        "percdamp",
				Usage:       "Hessian damping as a fraction of the mean diagonal",
				Value:       gptq.DefaultPercDamp,
				Destination: &percDamp,
			},
			&cli.Int64Flag{
				Name:        "bits",
				Usage:       "weight quantizer bit width",
				Value:       4,
				Destination: &bits,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed for weights and calibration data",
				Value:       1,
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "use-quant-activations",
				Usage:       "keep activation quantizers enabled while collecting statistics",
				Destination: &quantActs,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write the report JSON to this path instead of stdout",
				Destination: &outputPath,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyLogConfig(c, cfg)
			applyCalibrateConfig(c, cfg, &numBlocks, &actOrder, &bits, &seed)
			log := buildLogger()

			dims, err := parseSizes(sizes)
			if err != nil {
				return err
			}

			model, err := calib.DemoMLP("demo-mlp", dims, int(bits), seed)
			if err != nil {
				return err
			}
			data := calib.DenseBatches(int(batches), int(batchSize), dims[0], seed+1)

			log.Info("starting calibration",
				"layers", len(dims)-1, "batches", batches, "batch_size", batchSize,
				"blocks", numBlocks, "act_order", actOrder, "bits", bits)

			report, err := calib.Run(model, data, gptq.Options{
				UseQuantActivations: quantActs,
				NumBlocks:           int(numBlocks),
				ActOrder:            actOrder,
				PercDamp:            percDamp,
				Log:                 log,
			})
			if err != nil {
				return err
			}

			for _, lr := range report.Layers {
				if lr.Skipped {
					log.Warn("layer skipped", "layer", lr.Layer)
					continue
				}
				log.Info("layer calibrated",
					"layer", lr.Layer, "samples", lr.Samples,
					"err_before", fmt.Sprintf("%.6f", lr.MeanErrBefore),
					"err_after", fmt.Sprintf("%.6f", lr.MeanErrAfter))
			}

			if outputPath != "" {
				if err := report.WriteFile(outputPath); err != nil {
					return err
				}
				log.Info("report written", "path", outputPath, "id", report.ID)
				return nil
			}
			return report.Encode(os.Stdout)
		},
	}
}

func parseSizes(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return nil, fmt.Errorf("need at least two layer sizes, got %q", s)
	}
	dims := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid layer size %q", p)
		}
		dims = append(dims, v)
	}
	return dims, nil
}
