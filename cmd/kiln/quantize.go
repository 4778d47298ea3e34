package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kilnml/kiln/internal/tensor"
)

func quantizeCmd() *cli.Command {
	var (
		format string
		cols   int64
	)

	flags := append(loggingFlags(),
		&cli.StringFlag{
			Name:        "type",
			Aliases:     []string{"t"},
			Usage:       "target format (q4_0, q8_0, q4_k, ...)",
			Value:       "q4_0",
			Destination: &format,
		},
		&cli.Int64Flag{
			Name:        "cols",
			Usage:       "row length in elements; input size must divide by it",
			Required:    true,
			Destination: &cols,
		},
	)

	return &cli.Command{
		Name:      "quantize",
		Usage:     "Quantize a raw float32 dump into a kiln tensor file",
		ArgsUsage: "input.f32 output.ktn",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("quantize: want input and output paths")
			}
			in, out := cmd.Args().Get(0), cmd.Args().Get(1)

			typ, err := typeByName(format)
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			if len(raw)%4 != 0 {
				return fmt.Errorf("quantize: %s is not a float32 dump", in)
			}
			n := int64(len(raw) / 4)
			if cols <= 0 || n%cols != 0 {
				return fmt.Errorf("quantize: %d elements do not divide into rows of %d", n, cols)
			}
			rows := n / cols

			t := tensor.New(out, typ, cols, rows)
			row := make([]float32, cols)
			start := time.Now()
			for r := int64(0); r < rows; r++ {
				for i := range row {
					row[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[(r*cols+int64(i))*4:]))
				}
				t.SetF32(r, row)
			}
			if err := writeTensorFile(out, t); err != nil {
				return err
			}
			log.Info("quantized",
				"format", typ.String(),
				"rows", rows, "cols", cols,
				"in_bytes", len(raw), "out_bytes", t.ByteSize(),
				"elapsed", time.Since(start))
			return nil
		},
	}
}
