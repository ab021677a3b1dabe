/*
key.go - Deterministic idempotency key derivation

PURPOSE:
  Builds a collision-resistant, reproducible key from the semantic identity
  of a request. The key is what lets the store guarantee at-most-one effect:
  a client retrying after a timeout derives the exact same key and lands on
  the idempotent-return path instead of double-crediting.

KEY SHAPE:
  kind:userId:identifier:version:scope[:metaKey-metaValue...]

  The five main tokens, in that order, are a compatibility contract.
  Changing the order or the join character invalidates every key ever
  issued, so they are frozen.

METADATA RULES:
  - Entries are sorted by raw key ascending so the key is independent of
    caller-side map iteration / insertion order.
  - nil and empty-string values are dropped.
  - false and 0 are kept: they are valid, meaningful values.

WHY A SCOPE FIELD:
  Two requests identical in kind/user/identifier can be deliberately forked
  into distinct keys (the same lesson rewarding XP once in a "course"
  context and independently in a "practice" context). Without scope they
  would collide and one would be silently swallowed as a duplicate.

EXAMPLES:
  BuildKey({Kind:"lesson", UserID:"user-123", Identifier:"lesson-456"})
    -> "lesson:user-123:lesson-456:1:default"
  BuildKey({Kind:"quiz", UserID:"user-123", Identifier:"quiz-456",
            Metadata:{"attempt":2, "mode":"practice"}})
    -> "quiz:user-123:quiz-456:1:default:attempt-2:mode-practice"

SEE ALSO:
  - normalize.go: Token normalization
  - credit.go: Validates the shape this file guarantees
*/
package xp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxKeyLength bounds assembled keys; the events table column is VARCHAR(255).
const MaxKeyLength = 255

// KeyParams is the transient descriptor a key is derived from. It is never
// persisted; only the derived string is.
type KeyParams struct {
	Kind       string
	UserID     string
	Identifier string

	// Version is the rule/schema version. Zero means 1.
	Version int

	// Scope forks otherwise-identical actions into distinct keys.
	// Empty means "default".
	Scope string

	// Metadata provides fine-grained differentiation (attempt number,
	// mode, ...). Iteration order never affects the derived key.
	Metadata map[string]any
}

// BuildKey derives the idempotency key for params. Same params always yield
// the same key; this determinism is the core correctness property of the
// whole subsystem.
func BuildKey(p KeyParams) (string, error) {
	if strings.TrimSpace(p.Kind) == "" {
		return "", NewError(KindValidation, "key params: kind is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", NewError(KindValidation, "key params: userId is required")
	}
	if strings.TrimSpace(p.Identifier) == "" {
		return "", NewError(KindValidation, "key params: identifier is required")
	}

	version := p.Version
	if version == 0 {
		version = 1
	}
	scope := p.Scope
	if scope == "" {
		scope = "default"
	}

	// Non-blank inputs can still normalize to nothing (all punctuation);
	// an empty token would corrupt the key shape, so it fails here.
	kind := Normalize(p.Kind)
	if kind == "" {
		return "", NewError(KindValidation, "key params: kind has no usable characters")
	}
	userID := Normalize(p.UserID)
	if userID == "" {
		return "", NewError(KindValidation, "key params: userId has no usable characters")
	}
	identifier := Normalize(p.Identifier)
	if identifier == "" {
		return "", NewError(KindValidation, "key params: identifier has no usable characters")
	}
	scopeToken := Normalize(scope)
	if scopeToken == "" {
		return "", NewError(KindValidation, "key params: scope has no usable characters")
	}

	tokens := []string{
		kind,
		userID,
		identifier,
		Normalize(strconv.Itoa(version)),
		scopeToken,
	}

	tokens = append(tokens, metadataTokens(p.Metadata)...)

	key := strings.Join(tokens, ":")
	if len(key) > MaxKeyLength {
		return "", NewError(KindValidation,
			"assembled key exceeds %d characters (%d)", MaxKeyLength, len(key)).
			WithDetail("key_length", len(key))
	}
	return key, nil
}

// metadataTokens filters and stringifies metadata entries, sorted by raw key.
func metadataTokens(meta map[string]any) []string {
	if len(meta) == 0 {
		return nil
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tokens := make([]string, 0, len(keys))
	for _, k := range keys {
		s, ok := stringifyMetaValue(meta[k])
		if !ok {
			continue
		}
		tokens = append(tokens, Normalize(k)+"-"+Normalize(s))
	}
	return tokens
}

// stringifyMetaValue converts a metadata value to its string form.
// Returns ok=false for values that must be dropped (nil, empty string).
// false and 0 are valid values and are kept.
func stringifyMetaValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}
