package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/howard-nolan/llmcache/internal/cache"
	"github.com/howard-nolan/llmcache/internal/dialect"
	"github.com/howard-nolan/llmcache/internal/fingerprint"
	"github.com/howard-nolan/llmcache/internal/upstream"
)

// inboundDialect records which shape a request arrived in, so the pipeline
// knows how to wrap the completions on the way back out.
type inboundDialect int

const (
	dialectNative inboundDialect = iota
	dialectCompletions
	dialectChat
)

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

// writeJSON writes v as the response body with the given status. Headers
// must be set before the first write, so Content-Type goes first.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform {"error": "..."} body every failure path
// uses, whatever the status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Generation endpoints
// ---------------------------------------------------------------------------

// handleGenerate handles POST /generate — the backend's native dialect,
// passed to the pipeline untranslated.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req upstream.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.serve(w, r, &req, dialectNative, req.Model)
}

// handleCompletions handles POST /v1/completions — the OpenAI text
// completion dialect, translated to native before entering the pipeline.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req dialect.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.serve(w, r, dialect.ToNative(&req), dialectCompletions, req.Model)
}

// handleChatCompletions handles POST /v1/chat/completions — same translation
// as completions; the dialects only differ on the way back out.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req dialect.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.serve(w, r, dialect.ToNative(&req), dialectChat, req.Model)
}

// serve is the single end-to-end path every generation request takes:
// validate → lookup → top up from upstream → store → merge → respond.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, native *upstream.GenerateRequest, in inboundDialect, model string) {
	// Step 1: Validate. Rejections happen before Lookup on purpose —
	// client errors must not move the hit/miss counters.
	prompt, ok := fingerprint.PromptOf(native)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing prompt: provide text, prompt, or messages")
		return
	}
	if msg, valid := invalidRole(native, prompt); !valid {
		writeError(w, http.StatusUnprocessableEntity, "unknown message role: "+msg)
		return
	}
	n, ok := fingerprint.ExtractN(native)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "n must be a positive integer")
		return
	}

	// Step 2: Consult the cache. Lookup returns a snapshot — later stores
	// for the same fingerprint can't reach into it, so the merge below is
	// safe no matter what concurrent requests do.
	cached, needed, fp := s.engine.Lookup(native)

	if s.cfg.Verbose {
		switch {
		case needed == 0:
			log.Printf("cache hit: %d/%d completions from cache (%s)", len(cached), n, fp.Hex()[:12])
		case len(cached) > 0:
			log.Printf("partial cache hit: %d/%d from cache, generating %d more (%s)", len(cached), n, needed, fp.Hex()[:12])
		default:
			log.Printf("cache miss: generating %d completions (%s)", needed, fp.Hex()[:12])
		}
	}

	// Step 3: Top up from upstream if the cache came up short. The
	// upstream sees n = needed, never the client's full n — the cached
	// completions don't need regenerating.
	var fresh []upstream.Completion
	if needed > 0 {
		var err error
		fresh, err = s.upstream.Generate(r.Context(), native, needed)
		if err != nil {
			log.Printf("upstream error: %v", err)
			writeError(w, http.StatusBadGateway, "upstream error: "+err.Error())
			return
		}

		if len(fresh) < needed {
			log.Printf("upstream returned %d completions, expected %d", len(fresh), needed)
			writeError(w, http.StatusBadGateway, "upstream returned fewer completions than requested")
			return
		}
		if len(fresh) > needed {
			// Over-delivery gets truncated so the response length always
			// equals the client's n.
			log.Printf("warning: upstream returned %d completions, expected %d; truncating", len(fresh), needed)
			fresh = fresh[:needed]
		}

		// Store everything we paid for. The append also enqueues the
		// journal records; the request path never waits on disk.
		s.engine.Store(fp, fresh)
	}

	// Step 4: Merge. The first len(cached) elements are exactly what the
	// cache held at lookup time, so the prefix a client sees for this
	// fingerprint never changes across requests.
	result := append(cached, fresh...)

	// Step 5: Shape the response for the dialect the request arrived in.
	switch in {
	case dialectCompletions:
		writeJSON(w, http.StatusOK, dialect.ToCompletionResponse(model, result))
	case dialectChat:
		writeJSON(w, http.StatusOK, dialect.ToChatResponse(model, result))
	default:
		// Native dialect mirrors the backend's own convention: a scalar
		// object when the client asked for one completion (explicitly or
		// by default), a list otherwise.
		if n == 1 {
			writeJSON(w, http.StatusOK, result[0])
		} else {
			writeJSON(w, http.StatusOK, result)
		}
	}
}

// invalidRole scans every chat message in the request for a role outside the
// admitted set, returning the first offender.
func invalidRole(native *upstream.GenerateRequest, prompt any) (string, bool) {
	check := native.Messages
	if msgs, ok := prompt.([]upstream.Message); ok {
		check = msgs
	}
	for _, m := range check {
		if !upstream.ValidRole(m.Role) {
			return m.Role, false
		}
	}
	return "", true
}

// ---------------------------------------------------------------------------
// Cache administration + health
// ---------------------------------------------------------------------------

// handleStats responds with the cache counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleClear empties the cache. The on-disk truncation is queued behind any
// pending journal writes, so by the time the worker executes it the file
// reflects every store that happened before the clear — and then nothing.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.engine.Clear()
	if s.cfg.Verbose {
		log.Printf("cache cleared")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// cacheInfo is the /cache/info body: the stats plus where the journal lives.
type cacheInfo struct {
	cache.Stats
	CacheFile string `json:"cache_file"`
}

// handleInfo responds with stats plus the journal path.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheInfo{
		Stats:     s.engine.Stats(),
		CacheFile: s.engine.CacheFile(),
	})
}

// handleHealth is a basic liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
