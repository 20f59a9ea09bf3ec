// Package security holds helpers for handling secrets in memory.
package security

import "unsafe"

// ZeroBytes overwrites b in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroString overwrites the backing array of *s and resets it to the empty string.
// Only use it on strings built from mutable buffers, never on literals.
func ZeroString(s *string) {
	if s == nil || len(*s) == 0 {
		return
	}
	ZeroBytes(unsafe.Slice(unsafe.StringData(*s), len(*s)))
	*s = ""
}
