package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/store"
	"github.com/matthewmarion/workflow-service/internal/worker"
)

// createJobAssignmentRequest is the body of POST /job-assignments.
type createJobAssignmentRequest struct {
	JobID                string                     `json:"jobId"`
	JobType              string                     `json:"jobType"`
	JobProfile           string                     `json:"jobProfile"`
	JobInput             map[string]any             `json:"jobInput"`
	Tracker              *jobs.Tracker              `json:"tracker"`
	NotificationEndpoint *jobs.NotificationEndpoint `json:"notificationEndpoint"`
}

func (s *Server) handleCreateJobAssignment(w http.ResponseWriter, r *http.Request) {
	var req createJobAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobProfile == "" {
		respondError(w, http.StatusBadRequest, "Missing jobProfile")
		return
	}
	if req.JobType == "" {
		req.JobType = jobs.WorkflowJobType
	}
	if req.Tracker == nil {
		req.Tracker = &jobs.Tracker{ID: uuid.NewString()}
	}

	now := time.Now().UTC()
	a := &jobs.JobAssignment{
		ID:                   jobs.AssignmentID(uuid.NewString()),
		JobID:                req.JobID,
		JobType:              req.JobType,
		JobProfile:           req.JobProfile,
		JobInput:             req.JobInput,
		Status:               jobs.StatusNew,
		Tracker:              req.Tracker,
		NotificationEndpoint: req.NotificationEndpoint,
		DateCreated:          now,
		DateModified:         now,
	}
	if err := jobs.Save(r.Context(), s.store, a); err != nil {
		s.logger.Error("saving job assignment", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to save job assignment")
		return
	}

	if !s.invoke(w, r, worker.OpProcessJobAssignment, a, nil) {
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListJobAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := jobs.List(r.Context(), s.store)
	if err != nil {
		s.logger.Error("listing job assignments", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list job assignments")
		return
	}
	if list == nil {
		list = []jobs.JobAssignment{}
	}
	respondJSON(w, http.StatusOK, list)
}

// loadJobAssignment loads the assignment named by the id path parameter. It
// writes the error response and returns nil when that fails.
func (s *Server) loadJobAssignment(w http.ResponseWriter, r *http.Request) *jobs.JobAssignment {
	id := jobs.AssignmentID(chi.URLParam(r, "id"))
	a, err := jobs.Load(r.Context(), s.store, id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "job assignment not found")
		return nil
	}
	if err != nil {
		s.logger.Error("loading job assignment", "job_assignment", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load job assignment")
		return nil
	}
	return a
}

func (s *Server) handleGetJobAssignment(w http.ResponseWriter, r *http.Request) {
	a := s.loadJobAssignment(w, r)
	if a == nil {
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteJobAssignment(w http.ResponseWriter, r *http.Request) {
	a := s.loadJobAssignment(w, r)
	if a == nil {
		return
	}
	if err := s.store.Delete(r.Context(), a.ID); err != nil {
		s.logger.Error("deleting job assignment", "job_assignment", a.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete job assignment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJobAssignment(w http.ResponseWriter, r *http.Request) {
	a := s.loadJobAssignment(w, r)
	if a == nil {
		return
	}
	if !s.invoke(w, r, worker.OpProcessCancel, a, nil) {
		return
	}
	respondJSON(w, http.StatusAccepted, a)
}

// handleNotification accepts a job status notification from a running
// workflow step and relays it to the engine through the worker.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	a := s.loadJobAssignment(w, r)
	if a == nil {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		respondError(w, http.StatusBadRequest, "Missing request body")
		return
	}
	var n jobs.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(n.Content) == 0 || bytes.Equal(n.Content, []byte("null")) {
		respondError(w, http.StatusBadRequest, "Missing notification content")
		return
	}
	if _, err := n.Status(); err != nil {
		respondError(w, http.StatusBadRequest, "Missing notification content status")
		return
	}

	taskToken := r.URL.Query().Get("taskToken")
	if taskToken == "" {
		respondError(w, http.StatusBadRequest, "Missing 'taskToken' query string parameter")
		return
	}

	if !s.invoke(w, r, worker.OpProcessNotification, a, map[string]any{
		"notification": n,
		"taskToken":    taskToken,
	}) {
		return
	}
	w.WriteHeader(http.StatusOK)
}

// invoke hands an operation on a to the worker. It writes the error
// response and returns false when the worker refuses it.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, op string, a *jobs.JobAssignment, input map[string]any) bool {
	if input == nil {
		input = make(map[string]any)
	}
	input[jobs.InputJobAssignmentID] = a.ID

	err := s.invoker.Invoke(r.Context(), jobs.Request{
		OperationName: op,
		Input:         input,
		Tracker:       a.Tracker,
	})
	if err != nil {
		s.logger.Error("invoking worker", "operation", op, "job_assignment", a.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to invoke worker")
		return false
	}
	return true
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := jobs.ListWorkflows(r.Context(), s.store)
	if err != nil {
		s.logger.Error("listing workflows", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	if list == nil {
		list = []jobs.Workflow{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleReconcile queues a reconciliation pass. The pass itself takes the
// reconciler lock, so concurrent requests never overlap.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.invoker.Invoke(r.Context(), jobs.Request{OperationName: worker.OpReconcile}); err != nil {
		s.logger.Error("invoking worker", "operation", worker.OpReconcile, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to invoke worker")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
