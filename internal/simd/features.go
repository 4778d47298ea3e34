package simd

// Features reports which hardware paths the host CPU can take. Detection
// is per-architecture; the generic build leaves everything false and the
// kernels fall back to the scalar Dp4a rendering.
type Features struct {
	// Int8MAC is true when the CPU has a packed signed-int8 dot product
	// (VNNI on x86, SDOT on arm64).
	Int8MAC bool
	// F16C is true when half conversions are hardware-assisted.
	F16C bool
	// Wide is true when 256-bit or wider vector registers are usable.
	Wide bool
}

var hostFeatures Features

// Host returns the detected feature set of the running CPU.
func Host() Features { return hostFeatures }
