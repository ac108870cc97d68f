package fmxxx

// Teltonika FMxxx AVL IO element ids consumed by the gateway.
const (
	Ignition = 239
	GnssHDOP = 182
)
