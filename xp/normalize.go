/*
normalize.go - Key token normalization

PURPOSE:
  Pure string normalization used by idempotency key derivation. Every token
  that goes into a key passes through Normalize so that the derived key is
  stable regardless of caller-side casing, whitespace, or punctuation.

CONTRACT:
  Deterministic, total, no errors. Output is always a subset of [a-z0-9-]
  and may be empty when the input has no alphanumerics.

SEE ALSO:
  - key.go: The only consumer
*/
package xp

import "strings"

// Normalize lowercases s, maps every character outside [a-z0-9] to '-',
// collapses consecutive dashes, and strips leading/trailing dashes.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if alnum {
			b.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}

	return strings.Trim(b.String(), "-")
}
