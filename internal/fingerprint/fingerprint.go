// Package fingerprint turns a native-dialect request into a stable cache key.
//
// The key insight, inherited from the cache design: the n parameter (how many
// completions the client wants) must NOT be part of the key. Two requests
// that differ only in n should land on the same cache entry, so a request
// for 5 samples can reuse the 3 already cached for an earlier n=3 request.
//
// Everything else — the prompt, the model, every other sampling parameter,
// recognized or not — participates in the key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/howard-nolan/llmcache/internal/upstream"
)

// Fingerprint is a SHA-256 digest of the canonical form of a request.
// It renders as lowercase hex wherever it's displayed or persisted.
type Fingerprint [sha256.Size]byte

// Hex returns the fingerprint as a 64-character lowercase hex string —
// the form used in journal records and logs.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// Parse decodes a 64-character hex string back into a Fingerprint.
// Used when replaying the journal at startup.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != hex.EncodedLen(sha256.Size) {
		return f, fmt.Errorf("fingerprint must be %d hex chars, got %d", hex.EncodedLen(sha256.Size), len(s))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("decoding fingerprint: %w", err)
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Canonicalization
// ---------------------------------------------------------------------------

// Compute returns the fingerprint of a request along with the requested
// sample count n (defaulting to 1 when absent).
//
// Canonical form is a JSON object {"prompt": ..., "params": ...}, plus a
// "model" key when the request names a model, hashed with SHA-256. The
// canonical serialization rules — keys sorted lexicographically at every
// depth, no insignificant whitespace, lowercase null/true/false, numbers in
// shortest round-trip form — all fall out of handing json.Marshal a tree of
// maps: Go's encoder sorts map keys and renders float64 in shortest form.
// The one place map sorting would get it wrong is chat messages, where the
// key order is pinned to role-then-content; those are marshaled as typed
// structs instead (see promptValue).
func Compute(req *upstream.GenerateRequest) (Fingerprint, int) {
	n := 1
	if v, ok := req.SamplingParams["n"]; ok {
		if i, valid := intValue(v); valid && i > 0 {
			n = i
		}
	}

	// Copy sampling params without n. An explicit null stays in: a client
	// that sends "seed": null asked for something different than a client
	// that sent no seed at all, and the keys must differ.
	params := make(map[string]any, len(req.SamplingParams))
	for k, v := range req.SamplingParams {
		if k == "n" {
			continue
		}
		params[k] = v
	}

	prompt, _ := PromptOf(req)

	preimage := map[string]any{
		"prompt": prompt,
		"params": params,
	}
	if req.Model != "" {
		// Model joins the key so two models never share completions.
		// Requests without a model omit the key entirely, keeping their
		// fingerprints stable.
		preimage["model"] = req.Model
	}

	// Marshal cannot fail here: the preimage is built purely from values
	// that came out of a JSON decode (plus our own typed messages).
	data, _ := json.Marshal(preimage)

	return sha256.Sum256(data), n
}

// PromptOf extracts the prompt from whichever field carries it, in priority
// order text, prompt, messages. ok is false when the request has no prompt
// field at all — which the pipeline rejects before fingerprinting.
//
// An empty prompt ("" or []) is valid and distinct from an absent one.
func PromptOf(req *upstream.GenerateRequest) (any, bool) {
	switch {
	case req.Text != nil:
		return *req.Text, true
	case req.Prompt != nil:
		return coercePrompt(req.Prompt), true
	case req.Messages != nil:
		return req.Messages, true
	default:
		return nil, false
	}
}

// coercePrompt normalizes the prompt field's two possible shapes.
//
// When the chat dialect forwards a messages array under prompt, the adapter
// hands us typed []upstream.Message — nothing to do. But the same array
// arriving through a raw native decode shows up as []any of maps, and maps
// hash with sorted keys (content before role) while structs hash in declared
// order (role before content). Coercing to the typed form makes both ingress
// paths produce identical bytes, so the two dialects share cache entries.
func coercePrompt(prompt any) any {
	arr, ok := prompt.([]any)
	if !ok {
		return prompt // a plain string, or already []upstream.Message
	}

	msgs := make([]upstream.Message, 0, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok || len(m) != 2 {
			return prompt // not message-shaped; hash as-is
		}
		role, rok := m["role"].(string)
		content, cok := m["content"].(string)
		if !rok || !cok {
			return prompt
		}
		msgs = append(msgs, upstream.Message{Role: role, Content: content})
	}
	return msgs
}

// ---------------------------------------------------------------------------
// n extraction
// ---------------------------------------------------------------------------

// ExtractN reads the n sampling parameter. It returns (1, true) when n is
// absent, and ok=false when n is present but not a positive integer — the
// caller turns that into a validation error.
func ExtractN(req *upstream.GenerateRequest) (int, bool) {
	v, ok := req.SamplingParams["n"]
	if !ok {
		return 1, true
	}
	i, valid := intValue(v)
	if !valid || i <= 0 {
		return 0, false
	}
	return i, true
}

// intValue accepts the two shapes n arrives in: float64 from a JSON decode
// (where 3 and 3.0 are indistinguishable) and int when the dialect adapter
// set it directly.
func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case int:
		return x, true
	default:
		return 0, false
	}
}
