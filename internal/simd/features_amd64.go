//go:build amd64

package simd

import "golang.org/x/sys/cpu"

func init() {
	hostFeatures = Features{
		Int8MAC: cpu.X86.HasAVX512VNNI,
		// F16C is present on all FMA-capable CPUs.
		F16C: cpu.X86.HasAVX && cpu.X86.HasFMA,
		Wide: cpu.X86.HasAVX2,
	}
}
