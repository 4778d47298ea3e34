package vecdot

import (
	"fmt"

	"github.com/kilnml/kiln/pkg/quant"
)

// Tile stages the blocks of a strip of weight rows covering one K-slice.
// The batched matmul path fills a tile once and sweeps every query column
// of the batch over it, so the staging cost amortizes across columns; the
// single-column path skips staging entirely and reads the weight rows in
// place.
type Tile struct {
	typ      quant.Type
	rows     int
	blocks   int // blocks per row within the slice
	rowBytes int
	data     []byte
}

// NewTile allocates a tile for rows weight rows of blocksPerRow blocks.
func NewTile(t quant.Type, rows, blocksPerRow int) *Tile {
	if !Supported(t) {
		panic(fmt.Sprintf("vecdot: no kernel for %s", t))
	}
	rb := blocksPerRow * quant.TraitOf(t).BlockSize
	return &Tile{
		typ:      t,
		rows:     rows,
		blocks:   blocksPerRow,
		rowBytes: rb,
		data:     make([]byte, rows*rb),
	}
}

// Rows returns the tile's row capacity.
func (t *Tile) Rows() int { return t.rows }

// Stage copies one row's K-slice into the tile.
func (t *Tile) Stage(r int, rowBlocks []byte) {
	if len(rowBlocks) != t.rowBytes {
		panic(fmt.Sprintf("vecdot: staging %d bytes into a %d-byte tile row", len(rowBlocks), t.rowBytes))
	}
	copy(t.data[r*t.rowBytes:(r+1)*t.rowBytes], rowBlocks)
}

// Row returns the staged bytes of row r.
func (t *Tile) Row(r int) []byte {
	return t.data[r*t.rowBytes : (r+1)*t.rowBytes]
}

// Dot computes staged row r against a query covering the same K-slice.
func (t *Tile) Dot(r int, q *Query) float32 {
	return Row(t.typ, t.Row(r), q)
}
