package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ayusman/fingerspell/internal/store"
)

// Translation listing limits.
const (
	DefaultTranslationLimit = 50
	MaxTranslationLimit     = 1000
)

// TranslationHandler serves GET /api/translations.
//
// Query parameters: limit (newest first, default 50) and session, which
// returns that session's translations in order instead.
type TranslationHandler struct {
	store *store.Store
}

// NewTranslationHandler creates a new TranslationHandler with the given store.
func NewTranslationHandler(s *store.Store) *TranslationHandler {
	return &TranslationHandler{store: s}
}

type listTranslationsResponse struct {
	Translations []*store.Translation `json:"translations"`
}

// ServeHTTP implements the http.Handler interface.
func (h *TranslationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	var (
		rows []*store.Translation
		err  error
	)
	if session := q.Get("session"); session != "" {
		if _, err := h.store.Sessions().GetByID(session); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Session not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to get session")
			return
		}
		rows, err = h.store.Translations().BySession(session)
	} else {
		limit := DefaultTranslationLimit
		if s := q.Get("limit"); s != "" {
			n, convErr := strconv.Atoi(s)
			if convErr != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "Limit must be a positive integer")
				return
			}
			limit = min(n, MaxTranslationLimit)
		}
		rows, err = h.store.Translations().Latest(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list translations")
		return
	}

	if rows == nil {
		rows = []*store.Translation{}
	}
	writeJSON(w, http.StatusOK, listTranslationsResponse{Translations: rows})
}
