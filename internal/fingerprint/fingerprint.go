// Package fingerprint computes the content-addressed key the Dispatcher
// uses for dedup and result-store lookups: a deterministic SHA-256 hex
// digest of a request's params, id, function name, and canonicalized
// kwargs.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"encore.app/internal/wire"
)

// Of computes the fingerprint of a request. Canonicalization lowercases all
// kwargs keys and string values, then visits them in sorted-key order, so
// that two requests differing only in kwargs casing or key order produce
// the same digest.
func Of(m wire.Message) string {
	h := sha256.New()
	fmt.Fprintf(h, "%v", m.Params.Args)
	fmt.Fprintf(h, "%v", m.ID)
	fmt.Fprintf(h, "%s", m.FunctionName)
	fmt.Fprintf(h, "%s", canonicalKwargs(m.Params.Kwargs))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalKwargs renders kwargs as a deterministic, lowercased string:
// keys sorted, keys and string values lowercased. Non-string values are
// rendered with their natural %v form after key-sorting.
func canonicalKwargs(k wire.Kwargs) string {
	entries := map[string]string{
		"device":      strings.ToLower(k.Device),
		"uploadtoaws": fmt.Sprintf("%v", k.UploadToAWS),
		"jsonkeys":    strings.ToLower(strings.Join(k.JSONKeys, ",")),
		"llmquery":    strings.ToLower(k.LLMQuery),
	}

	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(entries[key])
		b.WriteByte(';')
	}
	return b.String()
}
