package security

import "crypto/subtle"

// TokenEqual reports whether presented matches expected in time that does not
// depend on where the inputs differ. A length mismatch still pays for a full
// comparison against a buffer of the expected length.
func TokenEqual(presented, expected string) bool {
	p, e := []byte(presented), []byte(expected)
	if len(p) != len(e) {
		dummy := make([]byte, len(e))
		subtle.ConstantTimeCompare(dummy, e)
		return false
	}
	return subtle.ConstantTimeCompare(p, e) == 1
}
