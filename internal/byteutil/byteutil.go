// Package byteutil holds a small byte-slice helper, ContainsBytes. No other
// package in this module imports it.
package byteutil

import "bytes"

// ContainsBytes reports whether haystack contains needle as a literal
// substring. An empty haystack never contains anything, including the empty
// needle.
func ContainsBytes(needle string, haystack []byte) bool {
	if len(haystack) == 0 {
		return false
	}
	return bytes.Contains(haystack, []byte(needle))
}
