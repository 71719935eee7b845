package cryptoutils

// Wipe overwrites a byte slice with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeAll overwrites every slice in bs with zeros.
func WipeAll(bs ...[]byte) {
	for _, b := range bs {
		Wipe(b)
	}
}
