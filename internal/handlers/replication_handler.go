package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/studyplan/server/internal/middleware"
	"github.com/studyplan/server/internal/models"
	"github.com/studyplan/server/internal/observability"
	"github.com/studyplan/server/internal/replication"
	"github.com/studyplan/server/internal/repository"
	"github.com/studyplan/server/internal/services"
)

// ReplicationHandler serves the pull/push endpoints for every registered
// collection. The protocol is the same for all of them; the collection name
// in the URL selects the registration.
type ReplicationHandler struct {
	docRepo          repository.DocumentRepo
	hub              *services.ChangeFeedHub
	metrics          *observability.ReplicationMetrics
	defaultBatchSize int
	maxBatchSize     int
}

// NewReplicationHandler creates a new ReplicationHandler
func NewReplicationHandler(docRepo repository.DocumentRepo, hub *services.ChangeFeedHub, metrics *observability.ReplicationMetrics, defaultBatchSize, maxBatchSize int) *ReplicationHandler {
	return &ReplicationHandler{
		docRepo:          docRepo,
		hub:              hub,
		metrics:          metrics,
		defaultBatchSize: defaultBatchSize,
		maxBatchSize:     maxBatchSize,
	}
}

// Pull returns documents written after the caller's checkpoint
// @Summary Pull changes
// @Description Returns documents changed since the given checkpoint, in (serverTimestamp, id) order, plus a new checkpoint
// @Tags replication
// @Produce json
// @Param collection path string true "Collection name"
// @Param id query string false "Checkpoint id (empty = from the beginning)"
// @Param serverTimestamp query string false "Checkpoint timestamp (empty = from the beginning)"
// @Param batchSize query int false "Maximum documents to return"
// @Success 200 {object} models.PullResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /{collection}/pull [get]
func (h *ReplicationHandler) Pull(w http.ResponseWriter, r *http.Request) {
	col, principal, ok := h.authorize(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	token, err := replication.DecodeCheckpoint(q.Get("id"), q.Get("serverTimestamp"))
	if err != nil {
		http.Error(w, "Invalid checkpoint", http.StatusBadRequest)
		return
	}

	batchSize := h.defaultBatchSize
	if s := q.Get("batchSize"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid batch size", http.StatusBadRequest)
			return
		}
		batchSize = parsed
	}
	if batchSize > h.maxBatchSize {
		batchSize = h.maxBatchSize
	}

	docs, err := h.docRepo.PullSince(r.Context(), col, principal.UserID, token, batchSize)
	if err != nil {
		// A degraded read must not halt the caller's sync loop: substitute
		// an empty batch with the unchanged checkpoint.
		observability.WithContext(r.Context()).Errorf("pull %s failed: %v", col.Name, err)
		docs = nil
	}

	response := models.PullResponse{Documents: make([]models.ReplicatedDocument, 0, len(docs))}
	for _, doc := range docs {
		response.Documents = append(response.Documents, col.Wire(doc))
	}

	next := token
	if len(docs) > 0 {
		next = docs[len(docs)-1].Token()
	}
	response.Checkpoint.ID, response.Checkpoint.ServerTimestamp = replication.EncodeCheckpoint(next)

	h.metrics.RecordPull(r.Context(), col.Name, len(response.Documents))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Push applies client-proposed document states and returns conflicts
// @Summary Push changes
// @Description Applies a batch of proposed document states; rows whose assumed master state no longer matches the server copy are rejected and returned
// @Tags replication
// @Accept json
// @Produce json
// @Param collection path string true "Collection name"
// @Param request body []models.ChangeRow true "Proposed document states"
// @Success 200 {array} models.ReplicatedDocument "Conflicting server documents"
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /{collection}/push [post]
func (h *ReplicationHandler) Push(w http.ResponseWriter, r *http.Request) {
	col, principal, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var rows []models.ChangeRow
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	for _, row := range rows {
		if row.NewDocumentState == nil {
			http.Error(w, "Row missing newDocumentState", http.StatusBadRequest)
			return
		}
		if row.NewDocumentState.Key(col.KeyField) == "" {
			http.Error(w, "Document missing "+col.KeyField, http.StatusBadRequest)
			return
		}
		if err := col.Validate(row.NewDocumentState); err != nil {
			http.Error(w, "Document failed validation: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	conflicts, err := h.docRepo.Push(r.Context(), col, principal.UserID, rows)
	if err != nil {
		log.Printf("Error pushing to %s: %v", col.Name, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	written := len(rows) - len(conflicts)
	if h.hub != nil {
		h.hub.NotifyCollectionChanged(principal.UserID, col.Name, written)
	}
	h.metrics.RecordPush(r.Context(), col.Name, written, len(conflicts))

	if conflicts == nil {
		conflicts = []models.ReplicatedDocument{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conflicts)
}

// authorize resolves the collection and checks the caller's scope.
func (h *ReplicationHandler) authorize(w http.ResponseWriter, r *http.Request) (models.Collection, *models.Principal, bool) {
	principal := middleware.GetPrincipalFromContext(r.Context())
	if principal == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return models.Collection{}, nil, false
	}

	name := chi.URLParam(r, "collection")
	col, ok := models.CollectionByName(name)
	if !ok {
		http.Error(w, "Unknown collection", http.StatusNotFound)
		return models.Collection{}, nil, false
	}

	if !principal.HasScope(col.Scope) {
		http.Error(w, "Missing scope "+col.Scope, http.StatusForbidden)
		return models.Collection{}, nil, false
	}

	return col, principal, true
}
