package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/pkg/quant"
)

func TestTensorFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.ktn")
	src := tensor.New("w", quant.TypeQ8_0, 64, 3)
	row := make([]float32, 64)
	for r := int64(0); r < 3; r++ {
		for i := range row {
			row[i] = float32(r*64 + int64(i))
		}
		src.SetF32(r, row)
	}
	if err := writeTensorFile(path, src); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := readTensorFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if back.DType != src.DType || back.Ne != src.Ne {
		t.Fatalf("descriptor changed: %s %v", back.DType, back.Ne)
	}
	if string(back.Host) != string(src.Host) {
		t.Fatal("payload changed")
	}
}

func TestTensorFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(path, []byte("not a tensor"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readTensorFile(path); err == nil {
		t.Fatal("garbage accepted")
	}

	// Valid magic with a corrupt header must error, not crash.
	header := func(dtype, ne0, ne1 uint32) []byte {
		h := make([]byte, tensorFileHeader)
		copy(h, tensorFileMagic[:])
		binary.LittleEndian.PutUint32(h[4:], dtype)
		binary.LittleEndian.PutUint32(h[8:], ne0)
		binary.LittleEndian.PutUint32(h[12:], ne1)
		return h
	}
	cases := map[string][]byte{
		"unknown dtype":  header(uint32(quant.TypeCount()), 32, 1),
		"zero rows":      header(uint32(quant.TypeQ4_0), 32, 0),
		"zero row len":   header(uint32(quant.TypeQ4_0), 0, 1),
		"ragged row len": header(uint32(quant.TypeQ4_0), 7, 1),
	}
	for name, h := range cases {
		if err := os.WriteFile(path, h, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := readTensorFile(path); err == nil {
			t.Errorf("%s accepted", name)
		}
	}
}

func TestTypeByName(t *testing.T) {
	typ, err := typeByName("q4_k")
	if err != nil || typ != quant.TypeQ4_K {
		t.Fatalf("q4_k resolved to %v, %v", typ, err)
	}
	if _, err := typeByName("q17_z"); err == nil {
		t.Fatal("unknown name resolved")
	}
}
