package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oceanbase/memtier-go/pkg/core"
	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/goal"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

// Short-term memories.

func (s *Server) handleCreateShortTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string         `json:"content"`
		Metadata   types.Metadata `json:"metadata"`
		TTLSeconds *int           `json:"ttl_seconds"`
		Locked     bool           `json:"locked"`
	}
	if !decode(w, r, &req) {
		return
	}

	var opts []core.ShortTermOption
	if ttl := ttlFromSeconds(req.TTLSeconds); ttl != nil {
		opts = append(opts, core.WithTTL(*ttl))
	}
	if req.Locked {
		opts = append(opts, core.WithLocked())
	}

	rec, err := s.client.CreateShortTerm(r.Context(), req.Content, req.Metadata, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetShortTerm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.client.GetShortTerm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateShortTerm(w http.ResponseWriter, r *http.Request) {
	var patch core.ShortTermPatch
	if !decode(w, r, &patch) {
		return
	}
	rec, err := s.client.UpdateShortTerm(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteShortTerm(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteShortTerm(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockShortTerm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.client.LockShortTerm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnlockShortTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds *int `json:"ttl_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.client.UnlockShortTerm(r.Context(), chi.URLParam(r, "id"), ttlFromSeconds(req.TTLSeconds))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExtendShortTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	rec, err := s.client.ExtendShortTerm(r.Context(), chi.URLParam(r, "id"), ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMarkShortTerm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.client.MarkForConsolidation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSearchShortTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		core.ShortTermQuery
		Limit int `json:"limit"`
	}
	if !decode(w, r, &req) {
		return
	}
	recs, err := s.client.SearchShortTerm(r.Context(), req.ShortTermQuery, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": recs, "count": len(recs)})
}

// Long-term memories.

func (s *Server) handleCreateLongTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content       string                 `json:"content"`
		Metadata      types.LongTermMetadata `json:"metadata"`
		Relationships []types.Relationship   `json:"relationships"`
	}
	if !decode(w, r, &req) {
		return
	}
	mem, err := s.client.CreateLongTerm(r.Context(), req.Content, req.Metadata, req.Relationships)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) handleGetLongTerm(w http.ResponseWriter, r *http.Request) {
	mem, err := s.client.GetLongTerm(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleUpdateLongTerm(w http.ResponseWriter, r *http.Request) {
	var patch core.LongTermPatch
	if !decode(w, r, &patch) {
		return
	}
	mem, err := s.client.UpdateLongTerm(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleDeleteLongTerm(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteLongTerm(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchLongTerm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category      string   `json:"category"`
		Tags          []string `json:"tags"`
		MinConfidence *float64 `json:"min_confidence"`
		MaxConfidence *float64 `json:"max_confidence"`
		Query         string   `json:"query"`
		Limit         int      `json:"limit"`
		Offset        int      `json:"offset"`
	}
	if !decode(w, r, &req) {
		return
	}
	filter := durable.Filter{
		Category:      req.Category,
		Tags:          req.Tags,
		MinConfidence: req.MinConfidence,
		MaxConfidence: req.MaxConfidence,
		Query:         req.Query,
		Offset:        req.Offset,
	}
	mems, err := s.client.SearchLongTerm(r.Context(), filter, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems, "count": len(mems)})
}

func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	var query core.SimilarityQuery
	if !decode(w, r, &query) {
		return
	}
	mems, err := s.client.Similarity(r.Context(), query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems, "count": len(mems)})
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := s.client.Relationships(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

// Lifecycle.

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var opts core.ConsolidateOptions
	if !decode(w, r, &opts) {
		return
	}
	result, err := s.client.Consolidate(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	ran, err := s.client.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ran": ran})
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds *int `json:"ttl_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	result, err := s.client.Retrieve(r.Context(), chi.URLParam(r, "id"), ttlFromSeconds(req.TTLSeconds))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Forget(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// World state.

func (s *Server) handleGetWorldState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.WorldState())
}

func (s *Server) handleUpdateWorldState(w http.ResponseWriter, r *http.Request) {
	var patch map[string]value.Value
	if !decode(w, r, &patch) {
		return
	}
	snap, err := s.client.UpdateWorldState(r.Context(), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWorldStateHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"versions": s.client.WorldStateHistory()})
}

func (s *Server) handleWorldStateVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version must be an integer"})
		return
	}
	snap, err := s.client.WorldStateVersion(n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int64 `json:"version"`
	}
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.client.RollbackWorldState(r.Context(), req.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Goals.

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID           string     `json:"id"`
		Title        string     `json:"title"`
		Priority     int        `json:"priority"`
		Deadline     *time.Time `json:"deadline"`
		Dependencies []string   `json:"dependencies"`
		MemoryRefs   []string   `json:"memory_refs"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := s.client.CreateGoal(r.Context(), goal.Spec{
		ID:           req.ID,
		Title:        req.Title,
		Priority:     req.Priority,
		Deadline:     req.Deadline,
		Dependencies: req.Dependencies,
		MemoryRefs:   req.MemoryRefs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGetGoal(w http.ResponseWriter, r *http.Request) {
	g, err := s.client.GetGoal(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleQueryGoals accepts ?status=a,b&min_priority=n&limit=n.
func (s *Server) handleQueryGoals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter goal.Filter
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, goal.Status(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("min_priority"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "min_priority must be an integer"})
			return
		}
		filter.MinPriority = &n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		filter.Limit = n
	}
	goals := s.client.QueryGoals(filter)
	writeJSON(w, http.StatusOK, map[string]any{"goals": goals, "count": len(goals)})
}

func (s *Server) handleSetGoalStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status goal.Status `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := s.client.SetGoalStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleAddGoalDependency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DependsOn string `json:"depends_on"`
	}
	if !decode(w, r, &req) {
		return
	}
	g, err := s.client.AddGoalDependency(r.Context(), chi.URLParam(r, "id"), req.DependsOn)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Audit.

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	events, err := s.client.AuditTrail(r.Context(), chi.URLParam(r, "subject"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
