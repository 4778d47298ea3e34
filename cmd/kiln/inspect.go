package main

import (
	"context"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/kilnml/kiln/pkg/quant"
)

type inspectReport struct {
	Path      string  `json:"path"`
	Format    string  `json:"format"`
	Rows      int64   `json:"rows"`
	Cols      int64   `json:"cols"`
	BlockLen  int     `json:"block_len"`
	BlockSize int     `json:"block_size"`
	Bytes     int64   `json:"bytes"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	RMS       float64 `json:"rms"`
}

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Describe a kiln tensor file and its decoded statistics",
		ArgsUsage: "tensor.ktn",
		Flags: append(loggingFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit the report as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("inspect: want one tensor file")
			}
			t, err := readTensorFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}

			tr := quant.TraitOf(t.DType)
			rep := inspectReport{
				Path:      cmd.Args().Get(0),
				Format:    tr.Name,
				Rows:      t.Ne[1],
				Cols:      t.Ne[0],
				BlockLen:  tr.BlockLen,
				BlockSize: tr.BlockSize,
				Bytes:     t.ByteSize(),
				Min:       math.Inf(1),
				Max:       math.Inf(-1),
			}
			row := make([]float32, t.Ne[0])
			var sum, sumSq float64
			for r := int64(0); r < t.Ne[1]; r++ {
				t.F32Row(r, row)
				for _, v := range row {
					f := float64(v)
					rep.Min = math.Min(rep.Min, f)
					rep.Max = math.Max(rep.Max, f)
					sum += f
					sumSq += f * f
				}
			}
			n := float64(t.NumElems())
			rep.Mean = sum / n
			rep.RMS = math.Sqrt(sumSq / n)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Printf("%s\n", rep.Path)
			fmt.Printf("  format:  %s (%d elems / %d bytes per block)\n", rep.Format, rep.BlockLen, rep.BlockSize)
			fmt.Printf("  shape:   %d x %d (%d bytes)\n", rep.Cols, rep.Rows, rep.Bytes)
			fmt.Printf("  decoded: min %.6g  max %.6g  mean %.6g  rms %.6g\n", rep.Min, rep.Max, rep.Mean, rep.RMS)
			return nil
		},
	}
}
