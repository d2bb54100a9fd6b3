package cryptoutils

import "runtime"

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Wipe32 zeroes a fixed-size key in place.
func Wipe32(k *[32]byte) {
	for i := range k {
		k[i] = 0
	}
	runtime.KeepAlive(k)
}
