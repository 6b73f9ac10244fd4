// Package handlers provides the HTTP handlers and middleware for the Conclave
// REST API and its WebSocket event feed.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/council"
	"github.com/scrypster/conclave/internal/engine"
	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/gateway"
	"github.com/scrypster/conclave/pkg/types"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 1 << 20

	// maxLimit caps list and search sizes.
	maxLimit = 100
)

// APIHandlers serves the REST API on top of an engine.
type APIHandlers struct {
	engine *engine.Engine
	log    *zap.Logger
}

// NewAPIHandlers creates API handlers for e.
func NewAPIHandlers(e *engine.Engine, log *zap.Logger) *APIHandlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIHandlers{engine: e, log: log.Named("api")}
}

// CreateFact handles POST /api/facts.
func (h *APIHandlers) CreateFact(w http.ResponseWriter, r *http.Request) {
	var sub gateway.Submission
	if !decodeBody(w, r, &sub) {
		return
	}
	res, err := h.engine.Submit(r.Context(), sub)
	if err != nil {
		h.respondErr(w, "submit failed", err)
		return
	}
	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// GetFact handles GET /api/facts/{id}.
func (h *APIHandlers) GetFact(w http.ResponseWriter, r *http.Request) {
	id, ok := factID(w, r)
	if !ok {
		return
	}
	f, err := h.engine.Store().Get(id)
	if err != nil {
		h.respondErr(w, "fact lookup failed", err)
		return
	}
	out := FactResponse{Fact: f}
	if f.SupersededBy != 0 {
		out.Replacement, _ = h.engine.Store().Get(f.SupersededBy)
	}
	respondJSON(w, http.StatusOK, out)
}

// ListFacts handles GET /api/facts with optional kind, source, theme,
// entity, since, until, superseded, and limit query parameters.
func (h *APIHandlers) ListFacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := factstore.ListFilter{
		Source:            q.Get("source"),
		Theme:             strings.ToLower(strings.TrimSpace(q.Get("theme"))),
		ExcludeSuperseded: q.Get("superseded") == "false",
		NewestFirst:       true,
		Limit:             clamp(parseInt(q.Get("limit"), 20)),
	}
	var err error
	if k := q.Get("kind"); k != "" {
		if filter.Kind, err = types.ParseFactKind(k); err != nil {
			h.respondErr(w, "invalid kind", err)
			return
		}
	}
	if name := q.Get("entity"); name != "" {
		ent, err := h.engine.Store().ResolveEntity(name)
		if err != nil {
			h.respondErr(w, "unknown entity", err)
			return
		}
		filter.Entity = ent.ID
	}
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		h.respondErr(w, "invalid since", err)
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		h.respondErr(w, "invalid until", err)
		return
	}
	respondJSON(w, http.StatusOK, FactsResponse{Facts: h.engine.Store().List(filter)})
}

// SupersedeFact handles POST /api/facts/{id}/supersede.
func (h *APIHandlers) SupersedeFact(w http.ResponseWriter, r *http.Request) {
	id, ok := factID(w, r)
	if !ok {
		return
	}
	var req SupersedeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.engine.Supersede(r.Context(), id, req.Replacement); err != nil {
		h.respondErr(w, "supersede failed", err)
		return
	}
	f, err := h.engine.Store().Get(id)
	if err != nil {
		h.respondErr(w, "fact lookup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// Search handles GET /api/search?q=&limit=.
func (h *APIHandlers) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter q is required", nil)
		return
	}
	hits := h.engine.Index().Search(query, clamp(parseInt(r.URL.Query().Get("limit"), 0)))
	respondJSON(w, http.StatusOK, SearchResponse{Hits: hits, Total: len(hits), Query: query})
}

// Context handles GET /api/context/{name}.
func (h *APIHandlers) Context(w http.ResponseWriter, r *http.Request) {
	ec, err := h.engine.Index().Context(r.PathValue("name"))
	if err != nil {
		h.respondErr(w, "context lookup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ec)
}

// Themes handles GET /api/themes?examples=.
func (h *APIHandlers) Themes(w http.ResponseWriter, r *http.Request) {
	n := clamp(parseInt(r.URL.Query().Get("examples"), 2))
	respondJSON(w, http.StatusOK, ThemesResponse{Themes: h.engine.Index().ThemeSummaries(n)})
}

// Recent handles GET /api/recent?n=.
func (h *APIHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	n := clamp(parseInt(r.URL.Query().Get("n"), 0))
	respondJSON(w, http.StatusOK, FactsResponse{Facts: h.engine.Index().Recent(n)})
}

// Summary handles GET /api/summary.
func (h *APIHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Index().Summary())
}

// AskCouncil handles POST /api/council. A session in which every voice
// abstained is returned with 409 Conflict.
func (h *APIHandlers) AskCouncil(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		respondError(w, http.StatusBadRequest, "question is required", nil)
		return
	}
	sess, err := h.engine.Ask(r.Context(), req.Question, council.AskOptions{
		Scope:          req.Scope,
		RecordDecision: req.RecordDecision,
	})
	if errors.Is(err, council.ErrNoQuorum) && sess != nil {
		respondJSON(w, http.StatusConflict, NoQuorumResponse{
			ErrorResponse: ErrorResponse{Error: err.Error(), Code: "NO_QUORUM"},
			Session:       sess,
		})
		return
	}
	if err != nil {
		h.respondErr(w, "council failed", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /api/sessions?limit=.
func (h *APIHandlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	n := clamp(parseInt(r.URL.Query().Get("limit"), 20))
	respondJSON(w, http.StatusOK, SessionsResponse{Sessions: h.engine.Store().Sessions(n)})
}

// GetSession handles GET /api/sessions/{id}.
func (h *APIHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Store().Session(r.PathValue("id"))
	if err != nil {
		h.respondErr(w, "session lookup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// ListEntities handles GET /api/entities.
func (h *APIHandlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"entities": h.engine.Store().Entities()})
}

// CreateEntity handles POST /api/entities.
func (h *APIHandlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req EntityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := types.ParseEntityKind(req.Kind)
	if err != nil {
		h.respondErr(w, "invalid kind", err)
		return
	}
	ent, err := h.engine.RegisterEntity(r.Context(), types.EntityDraft{
		Kind:       kind,
		Name:       req.Name,
		Aliases:    req.Aliases,
		Attributes: req.Attributes,
	})
	if err != nil {
		h.respondErr(w, "register failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, ent)
}

// UpdateEntity handles PATCH /api/entities/{id}. The path value may be an
// entity ID, name, or alias.
func (h *APIHandlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	var req factstore.EntityUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	ent, err := h.engine.UpdateEntity(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.respondErr(w, "update failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ent)
}

// MergeEntities handles POST /api/entities/merge.
func (h *APIHandlers) MergeEntities(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Loser == "" || req.Survivor == "" {
		respondError(w, http.StatusBadRequest, "loser and survivor are required", nil)
		return
	}
	ent, err := h.engine.MergeEntities(r.Context(), req.Loser, req.Survivor, req.Reason)
	if err != nil {
		h.respondErr(w, "merge failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ent)
}

// Backup handles POST /api/backup.
func (h *APIHandlers) Backup(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Backup(r.Context())
	if err != nil {
		h.respondErr(w, "backup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// respondErr maps err to a status code and logs server-side failures.
func (h *APIHandlers) respondErr(w http.ResponseWriter, message string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(message, zap.Error(err))
	}
	respondError(w, status, message, err)
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case types.IsValidation(err):
		return http.StatusBadRequest
	case types.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, council.ErrNoQuorum):
		return http.StatusConflict
	case errors.Is(err, factstore.ErrAppendTimeout),
		errors.Is(err, engine.ErrPoolFull),
		errors.Is(err, engine.ErrPoolClosed),
		errors.Is(err, factstore.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func factID(w http.ResponseWriter, r *http.Request) (types.FactID, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || n == 0 {
		respondError(w, http.StatusBadRequest, "fact id must be a positive integer", nil)
		return 0, false
	}
	return types.FactID(n), true
}

// decodeBody reads a bounded JSON body into dest, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return false
	}
	return true
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(types.ErrValidation, "%q is not RFC-3339", s)
	}
	return t, nil
}

// parseInt parses s, returning defaultValue when s is empty or invalid.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return v
}

func clamp(n int) int {
	if n <= 0 {
		return 0
	}
	return min(n, maxLimit)
}

// respondJSON writes data as JSON with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent; nothing useful to do on failure.
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}
