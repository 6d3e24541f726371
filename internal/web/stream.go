package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/freva-org/frevagpt/internal/orchestrator"
	"github.com/freva-org/frevagpt/internal/registry"
	"github.com/freva-org/frevagpt/internal/toolrpc"
	"github.com/freva-org/frevagpt/pkg/models"
)

// imageFragmentSize caps one NDJSON line's worth of base64 image payload.
const imageFragmentSize = 16 * 1024

// streamProbeInterval is how often the writer checks the conversation state
// while no events arrive.
const streamProbeInterval = 3 * time.Second

// handleStreamResponse runs one conversational turn and streams its events
// as newline-delimited JSON.
func (s *Server) handleStreamResponse(w http.ResponseWriter, r *http.Request) {
	principal, err := s.resolver.Resolve(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}

	input := r.URL.Query().Get("input")
	if input == "" {
		jsonError(w, http.StatusUnprocessableEntity, "input is required")
		return
	}
	model := r.URL.Query().Get("chatbot")
	if model == "" {
		model = s.cfg.DefaultModel
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		threadID = s.registry.NewThreadID()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writer := &ndjsonWriter{w: w, flusher: flusher}

	tools := toolrpc.NewManager(s.cfg.ToolServers, s.cfg.MCPRequestTimeout, s.logger)
	if err := tools.Initialize(r.Context(), principal.ToolHeaders()); err != nil {
		s.logger.Warn("tool initialization incomplete", "thread_id", threadID, "error", err)
	}

	if _, err := s.orch.Prepare(r.Context(), threadID, principal.Username, tools); err != nil {
		s.logger.Error("prepare failed", "thread_id", threadID, "error", err)
		failure := models.Conversation{
			models.NewServerError(err.Error()),
			models.NewStreamEnd(models.StreamEndError),
		}
		// The failed turn is a conversation state of its own and must survive
		// a reload of the thread.
		if serr := s.store.Save(r.Context(), threadID, principal.Username, failure, true); serr != nil {
			s.logger.Error("failed turn not persisted", "thread_id", threadID, "error", serr)
		}
		for _, sv := range failure {
			writer.write(sv)
		}
		return
	}

	events := s.orch.Run(r.Context(), orchestrator.Request{
		Model:        model,
		ThreadID:     threadID,
		UserID:       principal.Username,
		UserInput:    input,
		SystemPrompt: s.cfg.SystemPrompt,
	})

	probe := time.NewTicker(streamProbeInterval)
	defer probe.Stop()

	for {
		select {
		case sv, open := <-events:
			if !open {
				return
			}
			if err := writer.write(sv); err != nil {
				// Client gone; the request context cancellation winds down
				// the orchestrator.
				return
			}

		case <-probe.C:
			state, ok := s.registry.GetState(threadID)
			if !ok || state == registry.StateStopping {
				writer.write(models.NewStreamEnd(models.StreamEndStopped))
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}

// ndjsonWriter frames events one JSON object per line, splitting large image
// payloads into fragments that share the call id.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (nw *ndjsonWriter) write(sv models.StreamVariant) error {
	if sv.Variant == models.VariantImage && len(sv.Content) > imageFragmentSize {
		for start := 0; start < len(sv.Content); start += imageFragmentSize {
			end := start + imageFragmentSize
			if end > len(sv.Content) {
				end = len(sv.Content)
			}
			fragment := sv
			fragment.Content = sv.Content[start:end]
			if err := nw.writeLine(fragment); err != nil {
				return err
			}
		}
		return nil
	}
	return nw.writeLine(sv)
}

func (nw *ndjsonWriter) writeLine(sv models.StreamVariant) error {
	line, err := json.Marshal(sv)
	if err != nil {
		return err
	}
	if _, err := nw.w.Write(append(line, '\n')); err != nil {
		return err
	}
	nw.flusher.Flush()
	return nil
}
