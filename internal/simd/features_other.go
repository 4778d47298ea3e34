//go:build !amd64 && !arm64

package simd

// Other architectures take the scalar paths.
