package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/liveq/cache"
	"github.com/maxpert/liveq/sequencer"
	"github.com/maxpert/liveq/watcher"
	"github.com/rs/zerolog/log"
)

// Watchers is the view of a client the admin API needs
type Watchers interface {
	Subscriptions() []watcher.Snapshot
	Watcher(id uint64) (*watcher.Watcher, bool)
	Cancel(id uint64) bool
	SequencerStats() sequencer.Stats
}

// Records is the view of the cache the admin API needs
type Records interface {
	Get(key string) (*cache.Record, error)
	Keys(prefix, after string, limit int) ([]string, error)
}

// Mirrors lists the configured record mirrors
type Mirrors interface {
	Names() []string
}

// AdminHandlers serves diagnostics for one client
type AdminHandlers struct {
	watchers Watchers
	records  Records
	mirrors  Mirrors
}

// NewAdminHandlers creates handlers; mirrors may be nil
func NewAdminHandlers(watchers Watchers, records Records, mirrors Mirrors) *AdminHandlers {
	return &AdminHandlers{
		watchers: watchers,
		records:  records,
		mirrors:  mirrors,
	}
}

func (h *AdminHandlers) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	snaps := h.watchers.Subscriptions()
	if state != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if s.State == state {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}
	writeJSONResponse(w, snaps, false, "")
}

func (h *AdminHandlers) handleGetWatcher(w http.ResponseWriter, r *http.Request) {
	id, err := parseWatcherID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	wt, ok := h.watchers.Watcher(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("watcher %d not found", id))
		return
	}

	snap := wt.Snapshot()
	writeJSONResponse(w, map[string]interface{}{
		"watcher":   snap,
		"query":     wt.Operation().Query,
		"variables": wt.Operation().Variables,
	}, false, "")
}

func (h *AdminHandlers) handleCancelWatcher(w http.ResponseWriter, r *http.Request) {
	id, err := parseWatcherID(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.watchers.Cancel(id) {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("watcher %d not found", id))
		return
	}

	log.Info().Uint64("ticket", id).Msg("Watcher cancelled via admin API")
	writeJSONResponse(w, map[string]interface{}{"cancelled": id}, false, "")
}

func (h *AdminHandlers) handleSequencer(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.watchers.SequencerStats(), false, "")
}

// handleListRecords pages through record keys by prefix; "from" continues after last_key
func (h *AdminHandlers) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	prefix := r.URL.Query().Get("prefix")
	from := parseFrom(r)

	keys, err := h.records.Keys(prefix, from, limit+1)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(keys) > limit
	lastKey := ""
	if hasMore {
		keys = keys[:limit]
		lastKey = keys[len(keys)-1]
	}
	if keys == nil {
		keys = []string{}
	}

	writeJSONResponse(w, keys, hasMore, lastKey)
}

func (h *AdminHandlers) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := h.records.Get(key)
	if errors.Is(err, cache.ErrRecordNotFound) {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("record %q not found", key))
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, rec, false, "")
}

func (h *AdminHandlers) handleListMirrors(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.mirrors != nil {
		names = h.mirrors.Names()
	}
	writeJSONResponse(w, names, false, "")
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses from parameter for pagination
func parseFrom(r *http.Request) string {
	return r.URL.Query().Get("from")
}

func parseWatcherID(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("watcher id is required")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid watcher id: %w", err)
	}
	return id, nil
}
