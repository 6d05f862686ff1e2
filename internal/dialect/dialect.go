// Package dialect translates between the backend's native request/response
// shapes and the OpenAI-compatible chat/completion dialect.
//
// Translation runs both ways: inbound, an OpenAI-shaped request becomes a
// native GenerateRequest before it ever reaches the fingerprinter, so one
// cache serves both dialects; outbound, a list of native completions is
// wrapped back into the OpenAI response envelope the client expects.
//
// The envelope fields OpenAI clients see — id, created — are synthesized
// fresh on every response, cache hit or not. The cache holds the underlying
// completion, never the dialect wrapper.
package dialect

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// defaultModel is echoed in responses when the client didn't name a model.
const defaultModel = "unknown"

// ---------------------------------------------------------------------------
// Inbound: OpenAI dialect → native
// ---------------------------------------------------------------------------

// Request is the OpenAI-dialect request body, covering both /v1/completions
// (prompt string) and /v1/chat/completions (messages array).
//
// Decoding into this struct is also where unknown fields get dropped. That's
// deliberate: the fingerprint covers every parameter it sees, so letting
// arbitrary client-specific fields through (stream flags, user tags, ...)
// would shatter otherwise identical requests into pointless cache misses.
//
// Pointer fields distinguish "absent" from a zero value — temperature: 0 is
// a real setting and must survive into the fingerprint.
type Request struct {
	Model             string             `json:"model"`
	Prompt            *string            `json:"prompt"`
	Messages          []upstream.Message `json:"messages"`
	N                 *int               `json:"n"`
	MaxTokens         *int               `json:"max_tokens"`
	Temperature       *float64           `json:"temperature"`
	TopP              *float64           `json:"top_p"`
	TopK              *int               `json:"top_k"`
	MinP              *float64           `json:"min_p"`
	FrequencyPenalty  *float64           `json:"frequency_penalty"`
	PresencePenalty   *float64           `json:"presence_penalty"`
	RepetitionPenalty *float64           `json:"repetition_penalty"`
	Stop              any                `json:"stop"`
	Seed              *int64             `json:"seed"`
}

// ToNative translates an OpenAI-dialect request into the native shape.
//
// A messages array moves under the native prompt field verbatim; a prompt
// string becomes the native text field. Sampling parameters pass through
// under their own names except max_tokens, which the native dialect calls
// max_new_tokens.
func ToNative(req *Request) *upstream.GenerateRequest {
	out := &upstream.GenerateRequest{
		Model:          req.Model,
		SamplingParams: map[string]any{},
	}

	if req.Messages != nil {
		out.Prompt = req.Messages
	} else if req.Prompt != nil {
		out.Text = req.Prompt
	}

	if req.N != nil {
		out.SamplingParams["n"] = *req.N
	}
	if req.MaxTokens != nil {
		out.SamplingParams["max_new_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.SamplingParams["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out.SamplingParams["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		out.SamplingParams["top_k"] = *req.TopK
	}
	if req.MinP != nil {
		out.SamplingParams["min_p"] = *req.MinP
	}
	if req.FrequencyPenalty != nil {
		out.SamplingParams["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		out.SamplingParams["presence_penalty"] = *req.PresencePenalty
	}
	if req.RepetitionPenalty != nil {
		out.SamplingParams["repetition_penalty"] = *req.RepetitionPenalty
	}
	if req.Stop != nil {
		out.SamplingParams["stop"] = req.Stop
	}
	if req.Seed != nil {
		out.SamplingParams["seed"] = *req.Seed
	}

	return out
}

// ---------------------------------------------------------------------------
// Outbound: native → OpenAI dialect
// ---------------------------------------------------------------------------

// Usage is the OpenAI-format token accounting block, summed from whatever
// token counts the backend put in each completion's meta_info.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionChoice is one choice in a /v1/completions response.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// CompletionResponse is the /v1/completions response envelope.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// ChatChoice is one choice in a /v1/chat/completions response. The generated
// text is wrapped in an assistant message.
type ChatChoice struct {
	Index        int              `json:"index"`
	Message      upstream.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// ChatCompletionResponse is the /v1/chat/completions response envelope.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// completionView is the slice of a native completion the adapter actually
// reads: the text, and meta_info for finish reason and token counts. The
// rest of the completion stays opaque.
type completionView struct {
	Text     string `json:"text"`
	MetaInfo struct {
		FinishReason     any `json:"finish_reason"`
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"meta_info"`
}

// ToCompletionResponse wraps native completions as a /v1/completions
// response with one choice per completion. The id and created timestamp are
// minted fresh every call — two identical cache hits get different ids.
func ToCompletionResponse(model string, comps []upstream.Completion) *CompletionResponse {
	resp := &CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   modelOrDefault(model),
	}

	for i, c := range comps {
		view := parseCompletion(c)
		resp.Choices = append(resp.Choices, CompletionChoice{
			Index:        i,
			Text:         view.Text,
			FinishReason: finishReason(view.MetaInfo.FinishReason),
		})
		accumulateUsage(&resp.Usage, i, view)
	}

	return resp
}

// ToChatResponse wraps native completions as a /v1/chat/completions
// response, one assistant message per completion.
func ToChatResponse(model string, comps []upstream.Completion) *ChatCompletionResponse {
	resp := &ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelOrDefault(model),
	}

	for i, c := range comps {
		view := parseCompletion(c)
		resp.Choices = append(resp.Choices, ChatChoice{
			Index: i,
			Message: upstream.Message{
				Role:    "assistant",
				Content: view.Text,
			},
			FinishReason: finishReason(view.MetaInfo.FinishReason),
		})
		accumulateUsage(&resp.Usage, i, view)
	}

	return resp
}

func modelOrDefault(model string) string {
	if model == "" {
		return defaultModel
	}
	return model
}

// parseCompletion pulls the readable slice out of an opaque completion. A
// completion that doesn't decode (shouldn't happen — it came from a JSON
// decode originally) yields an empty view rather than an error: outbound
// shaping is best-effort on top of opaque data.
func parseCompletion(c upstream.Completion) completionView {
	var view completionView
	_ = json.Unmarshal(c, &view)
	return view
}

// finishReason normalizes the backend's finish reason, which arrives either
// as a plain string or as an object like {"type": "stop", ...}.
func finishReason(v any) string {
	switch x := v.(type) {
	case string:
		if x != "" {
			return x
		}
	case map[string]any:
		if t, ok := x["type"].(string); ok && t != "" {
			return t
		}
	}
	return "stop"
}

// accumulateUsage folds one completion's token counts into the response
// usage. Every completion repeats the same prompt, so prompt tokens are
// taken from the first choice only; completion tokens sum across choices.
func accumulateUsage(u *Usage, index int, view completionView) {
	if index == 0 {
		u.PromptTokens = view.MetaInfo.PromptTokens
	}
	u.CompletionTokens += view.MetaInfo.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}
