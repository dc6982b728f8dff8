package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/verity-labs/dossier/internal/db"
	ometrics "github.com/verity-labs/dossier/internal/metrics"
	"github.com/verity-labs/dossier/internal/models"
	"github.com/verity-labs/dossier/internal/streaming"
	"github.com/verity-labs/dossier/internal/workflows"
)

// Server is the query submission surface: start a query, poll its task
// graph, fetch the finished dossier, cancel, and stream progress.
type Server struct {
	temporal  client.Client
	store     *db.Store
	events    *streaming.Manager
	mirror    *streaming.RedisMirror
	taskQueue string
	logger    *zap.Logger
}

func NewServer(tc client.Client, store *db.Store, events *streaming.Manager, mirror *streaming.RedisMirror, taskQueue string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		temporal:  tc,
		store:     store,
		events:    events,
		mirror:    mirror,
		taskQueue: taskQueue,
		logger:    logger,
	}
}

// Routes registers all handlers on the mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/cases/", s.handleCases)
	mux.HandleFunc("/queries/", s.handleQueries)
	mux.HandleFunc("/stream/ws", s.handleWS)
}

type submitRequest struct {
	Text    string              `json:"text"`
	Filters models.QueryFilters `json:"filters"`
}

type submitResponse struct {
	Handle string `json:"handle"`
}

// handleCases serves POST /cases/{id}/queries.
func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "cases" || parts[2] != "queries" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caseID := parts[1]

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "query text required", http.StatusBadRequest)
		return
	}

	query := models.Query{
		Handle:      uuid.New().String(),
		CaseID:      caseID,
		Text:        req.Text,
		Filters:     req.Filters,
		SubmittedAt: time.Now().UTC(),
	}

	_, err := s.temporal.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		ID:        workflowID(query.Handle),
		TaskQueue: s.taskQueue,
	}, workflows.DossierWorkflow, query)
	if err != nil {
		s.logger.Error("workflow start failed", zap.String("case_id", caseID), zap.Error(err))
		http.Error(w, "could not start query", http.StatusInternalServerError)
		return
	}

	ometrics.QueriesSubmitted.Inc()
	s.logger.Info("query submitted",
		zap.String("query_handle", query.Handle),
		zap.String("case_id", caseID))
	writeJSON(w, http.StatusAccepted, submitResponse{Handle: query.Handle})
}

// handleQueries serves GET /queries/{handle}/status, GET
// /queries/{handle}/dossier and DELETE /queries/{handle}.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "queries" {
		http.NotFound(w, r)
		return
	}
	handle := parts[1]

	switch {
	case len(parts) == 2 && r.Method == http.MethodDelete:
		s.cancelQuery(w, r, handle)
	case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodGet:
		s.queryStatus(w, r, handle)
	case len(parts) == 3 && parts[2] == "dossier" && r.Method == http.MethodGet:
		s.queryDossier(w, r, handle)
	default:
		http.NotFound(w, r)
	}
}

// queryStatus returns the live task graph from the running workflow, falling
// back to the persisted snapshot once the query has finished.
func (s *Server) queryStatus(w http.ResponseWriter, r *http.Request, handle string) {
	resp, err := s.temporal.QueryWorkflow(r.Context(), workflowID(handle), "", workflows.TaskGraphQueryName)
	if err == nil {
		var graph models.TaskGraph
		if gerr := resp.Get(&graph); gerr == nil {
			writeJSON(w, http.StatusOK, graph)
			return
		}
	}

	graph, err := s.store.GetTaskGraph(r.Context(), handle)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "unknown query", http.StatusNotFound)
			return
		}
		s.logger.Error("task graph fetch failed", zap.String("query_handle", handle), zap.Error(err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) queryDossier(w http.ResponseWriter, r *http.Request, handle string) {
	dossier, err := s.store.GetDossier(r.Context(), handle)
	if err == nil {
		writeJSON(w, http.StatusOK, dossier)
		return
	}
	if !errors.Is(err, db.ErrNotFound) {
		s.logger.Error("dossier fetch failed", zap.String("query_handle", handle), zap.Error(err))
		http.Error(w, "dossier unavailable", http.StatusInternalServerError)
		return
	}

	// not persisted yet; distinguish in-flight from unknown
	desc, derr := s.temporal.DescribeWorkflowExecution(r.Context(), workflowID(handle), "")
	var notFound *serviceerror.NotFound
	if derr != nil {
		if errors.As(derr, &notFound) {
			http.Error(w, "unknown query", http.StatusNotFound)
			return
		}
		http.Error(w, "dossier unavailable", http.StatusInternalServerError)
		return
	}
	_ = desc
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "in_progress"})
}

func (s *Server) cancelQuery(w http.ResponseWriter, r *http.Request, handle string) {
	if err := s.temporal.CancelWorkflow(r.Context(), workflowID(handle), ""); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			http.Error(w, "unknown query", http.StatusNotFound)
			return
		}
		s.logger.Error("cancel failed", zap.String("query_handle", handle), zap.Error(err))
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func workflowID(handle string) string { return "dossier-" + handle }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
