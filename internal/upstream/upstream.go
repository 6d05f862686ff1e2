// Package upstream defines the native-dialect request and response types and
// the HTTP client for the backend inference server.
//
// The backend is a black box to us: we forward it native /generate requests
// and treat whatever it returns as opaque completions. The rest of the proxy
// — fingerprinting, cache, dialect translation — works with these types, so
// it never needs to know which inference server is actually behind us.
package upstream

import "encoding/json"

// ---------------------------------------------------------------------------
// Native request types
// ---------------------------------------------------------------------------

// Message is a single chat message in {role, content} form. The struct field
// order matters for fingerprinting: when messages are serialized for hashing,
// Go emits struct fields in declaration order, which pins the JSON key order
// to role-then-content for every message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is one the pipeline admits in chat
// messages. Anything else is a client validation error, not something to
// silently fingerprint and forward.
func ValidRole(role string) bool {
	switch role {
	case "system", "user", "assistant", "tool":
		return true
	}
	return false
}

// GenerateRequest is the native /generate request body.
//
// Exactly one of Text, Prompt, or Messages carries the prompt. Text and
// Prompt are pointers so we can tell "absent" apart from an explicit empty
// string — an empty prompt is a valid request and must fingerprint stably.
//
// Prompt is typed `any` because the chat dialect's messages array is
// forwarded under this field verbatim: it holds either a plain string or a
// list of messages, depending on what the client sent.
type GenerateRequest struct {
	Model          string         `json:"model,omitempty"`
	Text           *string        `json:"text,omitempty"`
	Prompt         any            `json:"prompt,omitempty"`
	Messages       []Message      `json:"messages,omitempty"`
	SamplingParams map[string]any `json:"sampling_params,omitempty"`
}

// WithN returns a copy of the request with the n sampling parameter set.
//
// The copy is what we send upstream when the cache can only partially fill a
// request: the client asked for n completions, we found k in the cache, and
// the backend is asked for the remaining n-k. The sampling_params map is
// cloned so the caller's request is never mutated — the original request is
// also the fingerprint source, and fingerprinting must see it untouched.
func (r *GenerateRequest) WithN(n int) *GenerateRequest {
	out := *r

	out.SamplingParams = make(map[string]any, len(r.SamplingParams)+1)
	for k, v := range r.SamplingParams {
		out.SamplingParams[k] = v
	}
	out.SamplingParams["n"] = n

	return &out
}

// ---------------------------------------------------------------------------
// Native response types
// ---------------------------------------------------------------------------

// Completion is one generated answer exactly as the backend returned it.
//
// We keep it as raw JSON on purpose. The cache's contract is that a
// completion is an immutable opaque record: we store it, journal it, and
// hand it back byte-for-byte. Only the dialect adapter ever looks inside
// (to pull out the text for OpenAI-shaped responses), and it does so on a
// read-only copy of the bytes.
type Completion = json.RawMessage
