package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/kilnml/kiln/internal/tensor"
	"github.com/kilnml/kiln/pkg/quant"
)

// Tensor container written by `kiln quantize`: a fixed header followed
// by the encoded row payload, block layouts exactly as the in-memory
// codec produces them.
//
//	offset 0  magic "KTN1"
//	offset 4  u32 dtype
//	offset 8  u32 ne0 (row length in elements)
//	offset 12 u32 ne1 (rows)
//	offset 16 payload
var tensorFileMagic = [4]byte{'K', 'T', 'N', '1'}

const tensorFileHeader = 16

func writeTensorFile(path string, t *tensor.Tensor) error {
	buf := make([]byte, tensorFileHeader+len(t.Host))
	copy(buf, tensorFileMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(t.DType))
	binary.LittleEndian.PutUint32(buf[8:], uint32(t.Ne[0]))
	binary.LittleEndian.PutUint32(buf[12:], uint32(t.Ne[1]))
	copy(buf[tensorFileHeader:], t.Host)
	return os.WriteFile(path, buf, 0o644)
}

func readTensorFile(path string) (*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < tensorFileHeader || [4]byte(data[:4]) != tensorFileMagic {
		return nil, fmt.Errorf("%s: not a kiln tensor file", path)
	}
	dtype := quant.Type(binary.LittleEndian.Uint32(data[4:]))
	if dtype >= quant.TypeCount() {
		return nil, fmt.Errorf("%s: unknown format tag %d", path, dtype)
	}
	ne0 := int64(binary.LittleEndian.Uint32(data[8:]))
	ne1 := int64(binary.LittleEndian.Uint32(data[12:]))
	if ne0 <= 0 || ne1 <= 0 {
		return nil, fmt.Errorf("%s: shape %dx%d", path, ne0, ne1)
	}
	if bl := int64(quant.TraitOf(dtype).BlockLen); ne0%bl != 0 {
		return nil, fmt.Errorf("%s: row length %d not a multiple of the %s block length %d",
			path, ne0, dtype, bl)
	}
	t := tensor.New(path, dtype, ne0, ne1)
	if int64(len(data)-tensorFileHeader) != t.ByteSize() {
		return nil, fmt.Errorf("%s: payload is %d bytes, header implies %d",
			path, len(data)-tensorFileHeader, t.ByteSize())
	}
	copy(t.Host, data[tensorFileHeader:])
	return t, nil
}

// typeByName resolves a format name like "q4_k" to its type tag.
func typeByName(name string) (quant.Type, error) {
	for ty := quant.Type(0); ty < quant.TypeCount(); ty++ {
		if quant.TraitOf(ty).Name == name {
			return ty, nil
		}
	}
	return 0, fmt.Errorf("unknown format %q", name)
}
