// Package cache provides the two-tier response cache: a fixed-capacity
// in-memory LRU in front of a persistent TTL-bounded backend, keyed by a
// deterministic digest of the stage's normalized inputs.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// KeyInput is the tuple a cache key is derived from. Equal tuples always
// yield equal keys.
type KeyInput struct {
	// Prompt is the rendered prompt text; it is normalized before
	// hashing so trailing whitespace and line-ending differences do not
	// defeat the cache.
	Prompt string
	// Model is the model identifier the generation would run on.
	Model string
	// Scope is the isolation-scope identifier (workspace). Entries never
	// leak across scopes.
	Scope string
	// Context carries the declared context inputs for the stage.
	Context map[string]string
}

// DeriveKey computes the deterministic cache key for the input tuple.
// Every field is length-prefixed before hashing so no concatenation of
// differing tuples can collide structurally.
func DeriveKey(in KeyInput) string {
	h := sha256.New()
	writeField := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	writeField(NormalizePrompt(in.Prompt))
	writeField(in.Model)
	writeField(in.Scope)

	keys := make([]string, 0, len(in.Context))
	for k := range in.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(in.Context[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePrompt canonicalizes prompt text for hashing: CRLF to LF,
// trailing whitespace stripped per line, outer whitespace trimmed.
func NormalizePrompt(p string) string {
	p = strings.ReplaceAll(p, "\r\n", "\n")
	lines := strings.Split(p, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
