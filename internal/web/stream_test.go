package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/freva-org/frevagpt/internal/auth"
	"github.com/freva-org/frevagpt/internal/config"
	"github.com/freva-org/frevagpt/internal/orchestrator"
	"github.com/freva-org/frevagpt/internal/registry"
	"github.com/freva-org/frevagpt/internal/storage"
	"github.com/freva-org/frevagpt/pkg/models"
)

func TestNDJSONWriterSplitsImages(t *testing.T) {
	rec := httptest.NewRecorder()
	writer := &ndjsonWriter{w: rec, flusher: rec}

	payload := strings.Repeat("A", imageFragmentSize+100)
	if err := writer.write(models.NewImage(payload, "image/png", "c1_0")); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(lines))
	}

	var reassembled string
	for _, line := range lines {
		var sv models.StreamVariant
		if err := json.Unmarshal([]byte(line), &sv); err != nil {
			t.Fatalf("line not valid JSON: %s", line)
		}
		if sv.Variant != models.VariantImage || sv.ID != "c1_0" {
			t.Fatalf("fragment lost identity: %+v", sv)
		}
		if len(sv.Content) > imageFragmentSize {
			t.Fatalf("fragment too large: %d", len(sv.Content))
		}
		reassembled += sv.Content
	}
	if reassembled != payload {
		t.Fatal("fragments do not reassemble to the original payload")
	}
}

func TestNDJSONWriterSmallEventsStayWhole(t *testing.T) {
	rec := httptest.NewRecorder()
	writer := &ndjsonWriter{w: rec, flusher: rec}

	writer.write(models.NewAssistant("hello", ""))
	writer.write(models.NewStreamEnd(models.StreamEndNormal))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one line per event, got %d", len(lines))
	}
}

// chatScript serves a fixed SSE completion for every request.
func chatScript(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestStreamResponseEndToEnd(t *testing.T) {
	llm := httptest.NewServer(chatScript(
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"hello"}}]}`,
		`{"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	))
	defer llm.Close()

	store := storage.NewMemoryStore()
	reg := registry.New(nil, nil)
	orch := orchestrator.New(orchestrator.NewLLMClient(llm.URL, "test"), reg, store, nil, nil)
	cfg := &config.Config{DefaultModel: "m", Dev: true}
	srv := NewServer(cfg, reg, orch, store, auth.NewResolver(true), nil, nil)

	api := httptest.NewServer(srv.Routes())
	defer api.Close()

	resp, err := http.Get(api.URL + "/api/chatbot/streamresponse?input=hi")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("wrong content type: %s", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatal("proxy buffering not disabled")
	}

	var events []models.StreamVariant
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var sv models.StreamVariant
		if err := json.Unmarshal(scanner.Bytes(), &sv); err != nil {
			t.Fatalf("bad NDJSON line: %s", scanner.Text())
		}
		events = append(events, sv)
	}

	if len(events) != 3 {
		t.Fatalf("expected hint, assistant, terminal; got %+v", events)
	}
	if events[0].Variant != models.VariantServerHint {
		t.Fatalf("first event must carry the thread id: %+v", events[0])
	}
	hint, _ := events[0].HintData().(map[string]any)
	threadID, _ := hint["thread_id"].(string)
	if len(threadID) != 32 {
		t.Fatalf("no minted thread id in hint: %+v", events[0])
	}
	if events[1].Content != "hello" {
		t.Fatalf("assistant text wrong: %+v", events[1])
	}
	if events[2].Variant != models.VariantStreamEnd || events[2].Content != models.StreamEndNormal {
		t.Fatalf("wrong terminal: %+v", events[2])
	}

	// The finished turn is retrievable through the thread endpoint.
	threadResp, err := http.Get(api.URL + "/api/chatbot/getthread?thread_id=" + threadID)
	if err != nil {
		t.Fatal(err)
	}
	defer threadResp.Body.Close()
	if threadResp.StatusCode != http.StatusOK {
		t.Fatalf("getthread status %d", threadResp.StatusCode)
	}
}

// readFailStore makes history loads fail while saves still work.
type readFailStore struct {
	*storage.MemoryStore
	fail bool
}

func (s *readFailStore) Read(ctx context.Context, threadID string) (models.Conversation, error) {
	if s.fail {
		return nil, errors.New("backend down")
	}
	return s.MemoryStore.Read(ctx, threadID)
}

func TestStreamResponsePersistsPrepareFailure(t *testing.T) {
	store := &readFailStore{MemoryStore: storage.NewMemoryStore(), fail: true}
	reg := registry.New(nil, nil)
	orch := orchestrator.New(orchestrator.NewLLMClient("http://127.0.0.1:1", "test"), reg, store, nil, nil)
	cfg := &config.Config{DefaultModel: "m", Dev: true}
	srv := NewServer(cfg, reg, orch, store, auth.NewResolver(true), nil, nil)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/chatbot/streamresponse?input=hi&thread_id=prep1", nil))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected error and terminal lines, got %q", rec.Body.String())
	}

	// The failed turn must be retrievable later, not vanish.
	store.fail = false
	conv, err := store.Read(context.Background(), "prep1")
	if err != nil {
		t.Fatalf("failed turn not persisted: %v", err)
	}
	if len(conv) != 2 || conv[0].Variant != models.VariantServerError ||
		conv[1].Variant != models.VariantStreamEnd || conv[1].Content != models.StreamEndError {
		t.Fatalf("wrong persisted conversation: %+v", conv)
	}
}

func TestStreamResponseRequiresInput(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := registry.New(nil, nil)
	cfg := &config.Config{DefaultModel: "m", Dev: true}
	srv := NewServer(cfg, reg, nil, store, auth.NewResolver(true), nil, nil)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest("GET", "/api/chatbot/streamresponse", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}
