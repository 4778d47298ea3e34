package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kilnml/kiln/internal/device"
	"github.com/kilnml/kiln/internal/dispatch"
	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/pkg/quant"
)

func benchCmd() *cli.Command {
	var (
		format string
		rows   int64
		cols   int64
		qcols  int64
		warmup int64
		runs   int64
	)

	flags := append(loggingFlags(), deviceFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "weight format to benchmark",
			Value:       "q4_0",
			Destination: &format,
		},
		&cli.Int64Flag{
			Name:        "rows",
			Usage:       "weight rows",
			Value:       1024,
			Destination: &rows,
		},
		&cli.Int64Flag{
			Name:        "cols",
			Usage:       "weight row length",
			Value:       4096,
			Destination: &cols,
		},
		&cli.Int64Flag{
			Name:        "query-cols",
			Usage:       "query columns per product",
			Value:       1,
			Destination: &qcols,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmup,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &runs,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark the codec and the matmul dispatcher",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()
			typ, err := typeByName(format)
			if err != nil {
				return err
			}

			dctx, err := device.NewContext(device.Config{
				Devices: int(devices),
				Streams: int(streams),
				Logger:  log,
			})
			if err != nil {
				return err
			}
			defer dctx.Close()
			eng := dispatch.New(dctx, dispatch.Config{Logger: log})

			rng := rand.New(rand.NewSource(1))
			a := tensor.New("bench_w", typ, cols, rows)
			row := make([]float32, cols)

			encStart := time.Now()
			for r := int64(0); r < rows; r++ {
				for i := range row {
					row[i] = float32(rng.Float64()*2 - 1)
				}
				a.SetF32(r, row)
			}
			encElapsed := time.Since(encStart)
			srcBytes := float64(rows*cols) * 4
			fmt.Printf("encode %s: %.1f MB/s (%d x %d, %s)\n",
				typ, srcBytes/encElapsed.Seconds()/1e6, rows, cols, encElapsed.Round(time.Millisecond))

			b := tensor.New("bench_x", quant.TypeF32, cols, qcols)
			for n := int64(0); n < qcols; n++ {
				for i := range row {
					row[i] = float32(rng.Float64()*2 - 1)
				}
				b.SetF32(n, row)
			}
			dst := tensor.New("bench_y", quant.TypeF32, rows, qcols)

			if dctx.DeviceCount() > 1 {
				if err := eng.SplitRows(a); err != nil {
					return err
				}
			}

			op := &dispatch.Op{Code: dispatch.OpMatMul, Src: [3]*tensor.Tensor{a, b}, Dst: dst}
			for i := int64(0); i < warmup; i++ {
				eng.Compute(op)
			}
			best := time.Duration(1<<62 - 1)
			for i := int64(0); i < runs; i++ {
				start := time.Now()
				eng.Compute(op)
				if e := time.Since(start); e < best {
					best = e
				}
			}
			flops := 2 * float64(rows) * float64(cols) * float64(qcols)
			fmt.Printf("matmul %s: %.2f GFLOP/s best of %d (%d x %d x %d, %s)\n",
				typ, flops/best.Seconds()/1e9, runs, rows, cols, qcols, best.Round(time.Microsecond))
			return nil
		},
	}
}
