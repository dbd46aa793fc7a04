package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dc-dime/beiwe-backend/internal/store"
	"github.com/dc-dime/beiwe-backend/internal/tree"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

const dateLayout = "2006-01-02"

type createTasksRequest struct {
	StudyID        string   `json:"study_id"`
	ParticipantIDs []string `json:"participant_ids"`
	Trees          []string `json:"trees"`
	DataDateStart  string   `json:"data_date_start"` // YYYY-MM-DD
	DataDateEnd    string   `json:"data_date_end"`
}

type createTasksResponse struct {
	Tasks []store.Task `json:"tasks"`
}

// handleCreateTasks enqueues one task per (participant, tree) over the given
// date range. Everything is validated before the first insert.
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.StudyID == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "study_id is required")
		return
	}
	if len(req.ParticipantIDs) == 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "participant_ids is required")
		return
	}
	if len(req.Trees) == 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "trees is required")
		return
	}

	trees := make([]tree.ID, 0, len(req.Trees))
	for _, raw := range req.Trees {
		id, err := tree.ParseID(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		trees = append(trees, id)
	}

	start, err := time.Parse(dateLayout, req.DataDateStart)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "data_date_start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateLayout, req.DataDateEnd)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "data_date_end must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		writeErr(w, http.StatusBadRequest, "validation_error", "data_date_end before data_date_start")
		return
	}

	created := make([]store.Task, 0, len(req.ParticipantIDs)*len(trees))
	for _, participantID := range req.ParticipantIDs {
		for _, tr := range trees {
			task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
				ParticipantID: participantID,
				StudyID:       req.StudyID,
				Tree:          tr,
				DataDateStart: start,
				DataDateEnd:   end,
			})
			if err != nil {
				if errors.Is(err, store.ErrValidation) {
					writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
					return
				}
				writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
				return
			}
			created = append(created, *task)
		}
	}

	writeJSON(w, http.StatusCreated, createTasksResponse{Tasks: created})
}

type taskLogResponse struct {
	Items  []store.Task `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()

	var status *store.Status
	if v := qp.Get("status"); v != "" {
		sv := store.Status(v)
		switch sv {
		case store.StatusQueued, store.StatusRunning, store.StatusSuccess, store.StatusError, store.StatusCancelled:
			status = &sv
		default:
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid status")
			return
		}
	}

	var participantID *string
	if v := qp.Get("participant_id"); v != "" {
		participantID = &v
	}

	limit := 100
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..500")
			return
		}
		limit = n
	}

	offset := 0
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "validation_error", "offset must be >= 0")
			return
		}
		offset = n
	}

	items, err := s.store.ListTasks(r.Context(), store.ListTasksParams{
		ParticipantID: participantID,
		Status:        status,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, taskLogResponse{Items: items, Limit: limit, Offset: offset})
}

type getTaskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	externalID, err := uuid.Parse(mux.Vars(r)["externalID"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	task, err := s.store.GetTaskByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, getTaskResponse{Task: *task})
}

type cancelTaskRequest struct {
	Actor string `json:"actor"`
}

type cancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

// handleCancelTask cancels a queued task. A task that is running or already
// terminal is reported as not cancelled, with no state change.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	externalID, err := uuid.Parse(mux.Vars(r)["externalID"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req cancelTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Actor == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "actor is required")
		return
	}

	cancelled, err := s.store.CancelTask(r.Context(), externalID, req.Actor)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusConflict, cancelTaskResponse{Cancelled: false})
		return
	}
	writeJSON(w, http.StatusOK, cancelTaskResponse{Cancelled: true})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	studyID := mux.Vars(r)["studyID"]
	qp := r.URL.Query()

	var start, end *time.Time
	if v := qp.Get("start"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "validation_error", "start must be YYYY-MM-DD")
			return
		}
		start = &t
	}
	if v := qp.Get("end"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "validation_error", "end must be YYYY-MM-DD")
			return
		}
		end = &t
	}

	grid, err := s.aggregator.StudyGrid(r.Context(), studyID, start, end)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, grid)
}
