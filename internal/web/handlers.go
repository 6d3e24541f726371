package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/freva-org/frevagpt/internal/storage"
	"github.com/freva-org/frevagpt/pkg/models"
)

// handleStop requests a STOPPING transition for a live thread.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, err := s.resolver.Resolve(r); err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		jsonError(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}
	if !s.registry.RequestStop(threadID) {
		jsonError(w, http.StatusNotFound, "thread not active")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetThread returns the stored events of a thread, filtered for
// clients.
func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if _, err := s.resolver.Resolve(r); err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		jsonError(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}

	conv, err := s.store.Read(r.Context(), threadID)
	if errors.Is(err, storage.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, models.FilterForClient(conv))
}

// handleGetUserThreads lists the caller's threads, most recent first.
func (s *Server) handleGetUserThreads(w http.ResponseWriter, r *http.Request) {
	principal, err := s.resolver.Resolve(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	limit := queryInt(r, "num_threads", 20)

	threads, total, err := s.store.ListRecent(r.Context(), principal.Username, limit)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []storage.ThreadSummary{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{
		"threads": threads,
		"total":   total,
	})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if _, err := s.resolver.Resolve(r); err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		jsonError(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}

	s.registry.Remove(threadID)
	deleted, err := s.store.Delete(r.Context(), threadID)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		jsonError(w, http.StatusNotFound, "thread not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetThreadTopic(w http.ResponseWriter, r *http.Request) {
	if _, err := s.resolver.Resolve(r); err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	topic := r.URL.Query().Get("topic")
	if threadID == "" || topic == "" {
		jsonError(w, http.StatusUnprocessableEntity, "thread_id and topic are required")
		return
	}

	updated, err := s.store.UpdateTopic(r.Context(), threadID, topic)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !updated {
		jsonError(w, http.StatusNotFound, "thread not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSearchThreads searches topics by default, or event text when a
// variant is given.
func (s *Server) handleSearchThreads(w http.ResponseWriter, r *http.Request) {
	principal, err := s.resolver.Resolve(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		jsonError(w, http.StatusUnprocessableEntity, "query is required")
		return
	}
	limit := queryInt(r, "num_threads", 20)

	var threads []storage.ThreadSummary
	if variant := r.URL.Query().Get("variant"); variant != "" {
		threads, err = s.store.SearchByVariant(r.Context(), principal.Username, models.Variant(variant), query, limit)
	} else {
		threads, err = s.store.SearchByTopic(r.Context(), principal.Username, query, limit)
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []storage.ThreadSummary{}
	}
	jsonResponse(w, http.StatusOK, map[string]any{"threads": threads})
}

// handleEditThread truncates a stored conversation after a client-visible
// event index and stores the result.
func (s *Server) handleEditThread(w http.ResponseWriter, r *http.Request) {
	principal, err := s.resolver.Resolve(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		jsonError(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}
	keep := queryInt(r, "keep", -1)
	if keep < 0 {
		jsonError(w, http.StatusUnprocessableEntity, "keep must be a non-negative event index")
		return
	}

	conv, err := s.store.Read(r.Context(), threadID)
	if errors.Is(err, storage.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	visible := models.FilterForClient(conv)
	if keep >= len(visible) {
		jsonResponse(w, http.StatusOK, map[string]any{"status": "ok", "events": len(visible)})
		return
	}

	// keep indexes the client-visible view; hidden events before the cut
	// (the Prompt snapshot, earlier segment terminals) stay in the thread.
	truncated := make(models.Conversation, 0, len(conv))
	seen := 0
	for _, sv := range conv {
		if sv.Variant == models.VariantPrompt || sv.Variant == models.VariantStreamEnd {
			truncated = append(truncated, sv)
			continue
		}
		if seen == keep {
			break
		}
		truncated = append(truncated, sv)
		seen++
	}
	truncated = models.Cleanup(truncated, false)
	if err := s.store.Save(r.Context(), threadID, principal.Username, truncated, false); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]any{"status": "ok", "events": len(truncated)})
}

// handleUserFeedback records a thumbs up/down with an optional comment.
func (s *Server) handleUserFeedback(w http.ResponseWriter, r *http.Request) {
	principal, err := s.resolver.Resolve(r)
	if err != nil {
		jsonError(w, http.StatusUnauthorized, err.Error())
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		jsonError(w, http.StatusUnprocessableEntity, "thread_id is required")
		return
	}
	score, err := feedbackScore(r.URL.Query().Get("score"))
	if err != nil {
		jsonError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	fb := storage.Feedback{
		ThreadID: threadID,
		UserID:   principal.Username,
		Score:    score,
		Comment:  r.URL.Query().Get("comment"),
	}
	if err := s.store.SaveFeedback(r.Context(), fb); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func feedbackScore(raw string) (int, error) {
	switch raw {
	case "up", "good", "1", "+1":
		return 1, nil
	case "down", "bad", "-1":
		return -1, nil
	}
	return 0, errors.New("score must be up or down")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
