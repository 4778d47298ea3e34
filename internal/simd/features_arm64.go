//go:build arm64

package simd

import "golang.org/x/sys/cpu"

func init() {
	hostFeatures = Features{
		Int8MAC: cpu.ARM64.HasASIMDDP,
		F16C:    cpu.ARM64.HasFPHP,
		// NEON is part of the ARMv8-A base architecture.
		Wide: cpu.ARM64.HasASIMD,
	}
}
