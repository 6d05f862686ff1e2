package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"
)

// fakeBackend spins up an httptest server that decodes the forwarded
// request, remembers the n it was asked for, and answers with count
// completions — as a scalar object when count is 1, a list otherwise,
// mirroring the backend's own convention.
func fakeBackend(t *testing.T, gotN *int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("backend received invalid JSON: %v", err)
		}

		params, _ := body["sampling_params"].(map[string]any)
		n := 1
		if v, ok := params["n"].(float64); ok {
			n = int(v)
		}
		if gotN != nil {
			*gotN = n
		}

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			json.NewEncoder(w).Encode(map[string]any{"text": "one"})
			return
		}
		var list []map[string]any
		for i := 0; i < n; i++ {
			list = append(list, map[string]any{"text": "many"})
		}
		json.NewEncoder(w).Encode(list)
	}))
}

func textPtr(s string) *string { return &s }

func TestGenerateScalarResponse(t *testing.T) {
	var gotN int
	backend := fakeBackend(t, &gotN)
	defer backend.Close()

	c := NewClient(backend.URL, http.DefaultClient)

	comps, err := c.Generate(context.Background(), &GenerateRequest{Text: textPtr("hi")}, 1)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	// The backend chose the scalar shape; the client still hands back a list.
	if len(comps) != 1 {
		t.Fatalf("got %d completions, want 1", len(comps))
	}
	if !strings.Contains(string(comps[0]), `"one"`) {
		t.Errorf("completion = %s, want the backend's object", comps[0])
	}
	if gotN != 1 {
		t.Errorf("backend saw n=%d, want 1", gotN)
	}
}

func TestGenerateListResponse(t *testing.T) {
	var gotN int
	backend := fakeBackend(t, &gotN)
	defer backend.Close()

	c := NewClient(backend.URL, http.DefaultClient)

	// The caller's request has its own n; the wire request must carry the
	// top-up count instead, and the original must stay untouched.
	req := &GenerateRequest{
		Text:           textPtr("hi"),
		SamplingParams: map[string]any{"n": 5.0, "temperature": 0.7},
	}

	comps, err := c.Generate(context.Background(), req, 3)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	if len(comps) != 3 {
		t.Fatalf("got %d completions, want 3", len(comps))
	}
	if gotN != 3 {
		t.Errorf("backend saw n=%d, want 3", gotN)
	}
	if req.SamplingParams["n"] != 5.0 {
		t.Errorf("caller's request was mutated: n=%v, want 5", req.SamplingParams["n"])
	}
}

func TestGenerateBackendError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "model crashed"})
	}))
	defer backend.Close()

	c := NewClient(backend.URL, http.DefaultClient)

	_, err := c.Generate(context.Background(), &GenerateRequest{Text: textPtr("hi")}, 1)
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("error = %q, want it to mention the status", err)
	}
}

func TestGenerateConnectionRefused(t *testing.T) {
	// A server that's been closed refuses connections — the network-error
	// path, as opposed to the bad-status path.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close()

	c := NewClient(backend.URL, http.DefaultClient)

	_, err := c.Generate(context.Background(), &GenerateRequest{Text: textPtr("hi")}, 1)
	if err == nil {
		t.Fatal("expected an error when the backend is unreachable")
	}
}

func TestHealth(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("health probe hit %s, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	c := NewClient(backend.URL, http.DefaultClient)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health returned error: %v", err)
	}

	backend.Close()
	if err := c.Health(context.Background()); err == nil {
		t.Error("Health should fail once the backend is gone")
	}
}

func TestGenerateRecorded(t *testing.T) {
	// Record the exchange through go-vcr so the request/response pair is
	// captured as a cassette — the same setup used when pinning down a
	// backend's exact wire behavior.
	backend := fakeBackend(t, nil)
	defer backend.Close()

	rec, err := recorder.New(filepath.Join(t.TempDir(), "generate"))
	if err != nil {
		t.Fatalf("creating recorder: %v", err)
	}
	defer rec.Stop()

	c := NewClient(backend.URL, rec.GetDefaultClient())

	comps, err := c.Generate(context.Background(), &GenerateRequest{Text: textPtr("hi")}, 2)
	if err != nil {
		t.Fatalf("Generate through recorder returned error: %v", err)
	}
	if len(comps) != 2 {
		t.Fatalf("got %d completions, want 2", len(comps))
	}
}
