package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/tasks"
)

type taskView struct {
	ID            string    `json:"id"`
	Variant       string    `json:"variant"`
	DepotCallsign string    `json:"depot_callsign,omitempty"`
	ClientID      int64     `json:"client_id,omitempty"`
	SystemName    string    `json:"system_name,omitempty"`
	Stage         string    `json:"stage"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouched   time.Time `json:"last_touched"`
	ClosedAt      time.Time `json:"closed_at"`
	Required      int       `json:"required"`
	Delivered     int       `json:"delivered"`
	Progress      float64   `json:"progress"`
	SellPrice     int       `json:"sell_price,omitempty"`
	Tritium       int       `json:"tritium"`
	Assignees     []int64   `json:"assignees"`
}

func taskViewOf(t *tasks.Task) taskView {
	assignees := t.Assignees
	if assignees == nil {
		assignees = []int64{}
	}
	return taskView{
		ID:            t.ID,
		Variant:       string(t.Variant),
		DepotCallsign: t.DepotCallsign,
		ClientID:      t.ClientID,
		SystemName:    t.SystemName,
		Stage:         string(t.Stage),
		CreatedAt:     t.CreatedAt,
		LastTouched:   t.LastTouched,
		ClosedAt:      t.ClosedAt,
		Required:      t.Required,
		Delivered:     t.Delivered,
		Progress:      t.Progress(),
		SellPrice:     t.SellPrice,
		Tritium:       t.Tritium,
		Assignees:     assignees,
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		list []tasks.Task
		err  error
	)
	switch {
	case r.URL.Query().Get("all") == "true":
		list, err = s.tasks.Repo().GetAll()
	case r.URL.Query().Get("depot") != "":
		callsign := depots.NormalizeCallsign(r.URL.Query().Get("depot"))
		list, err = s.tasks.Repo().GetOpenForDepot(callsign)
	default:
		list, err = s.tasks.Repo().GetOpen()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]taskView, 0, len(list))
	for i := range list {
		views = append(views, taskViewOf(&list[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Repo().GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if task == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, taskViewOf(task))
}

type createRescueRequest struct {
	Variant       string `json:"variant"`
	ClientID      int64  `json:"client_id"`
	SystemName    string `json:"system_name"`
	DepotCallsign string `json:"depot_callsign"`
	Tritium       int    `json:"tritium"`
}

func (s *Server) handleCreateRescue(w http.ResponseWriter, r *http.Request) {
	var req createRescueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	task, err := s.tasks.NewRescue(
		tasks.Variant(req.Variant),
		req.ClientID,
		req.SystemName,
		depots.NormalizeCallsign(req.DepotCallsign),
		req.Tritium,
		time.Now().UTC(),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}

	admitted, err := s.orch.AnnounceRescue(task.ID, time.Now().UTC())
	if err != nil {
		// The rescue exists either way; the boundary sweep will announce it.
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to queue rescue announcement")
	} else if len(admitted) > 0 {
		s.dispatcher.Enqueue(admitted)
		s.dispatcher.Trigger()
	}

	s.writeJSON(w, http.StatusCreated, taskViewOf(task))
}

type haulerRequest struct {
	HaulerID int64 `json:"hauler_id"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req haulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HaulerID == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hauler_id is required"})
		return
	}

	task, err := s.tasks.Claim(chi.URLParam(r, "id"), req.HaulerID, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskViewOf(task))
}

func (s *Server) handleAbandonTask(w http.ResponseWriter, r *http.Request) {
	var req haulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HaulerID == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hauler_id is required"})
		return
	}

	task, err := s.tasks.Abandon(chi.URLParam(r, "id"), req.HaulerID, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskViewOf(task))
}

func (s *Server) handleRecordDelivery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "a positive amount is required"})
		return
	}

	task, err := s.tasks.RecordDelivery(chi.URLParam(r, "id"), req.Amount, time.Now().UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, taskViewOf(task))
}

func (s *Server) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Aborted bool `json:"aborted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if err := s.tasks.Close(chi.URLParam(r, "id"), req.Aborted, time.Now().UTC()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
