package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/galaxy"
)

// depotView is the wire shape of a depot in API responses.
type depotView struct {
	Callsign        string    `json:"callsign"`
	Kind            string    `json:"kind"`
	DisplayName     string    `json:"display_name,omitempty"`
	System          string    `json:"system"`
	DeploySystem    string    `json:"deploy_system,omitempty"`
	MarketID        int64     `json:"market_id"`
	InaraURL        string    `json:"inara_url,omitempty"`
	OwnerDiscordID  int64     `json:"owner_discord_id,omitempty"`
	ReserveTritium  int       `json:"reserve_tritium"`
	AllocatedSpace  int       `json:"allocated_space"`
	Active          bool      `json:"active"`
	Freshness       string    `json:"freshness"`
	TritiumStock    int       `json:"tritium_stock"`
	Goods           int       `json:"goods"`
	MarketUpdatedAt time.Time `json:"market_updated_at"`
}

func viewOf(d *depots.Depot) depotView {
	return depotView{
		Callsign:        d.Callsign,
		Kind:            string(d.Kind),
		DisplayName:     d.DisplayName,
		System:          d.System.Name,
		DeploySystem:    d.DeploySystem,
		MarketID:        d.MarketID,
		InaraURL:        d.InaraURL,
		OwnerDiscordID:  d.OwnerDiscordID,
		ReserveTritium:  d.ReserveTritium,
		AllocatedSpace:  d.AllocatedSpace,
		Active:          d.Active,
		Freshness:       string(d.Freshness),
		TritiumStock:    d.TritiumStock(),
		Goods:           len(d.Market),
		MarketUpdatedAt: d.MarketUpdatedAt,
	}
}

func (s *Server) handleListDepots(w http.ResponseWriter, r *http.Request) {
	var (
		list []depots.Depot
		err  error
	)
	if kind := r.URL.Query().Get("kind"); kind != "" {
		list, err = s.depots.Repo().GetByKind(depots.Kind(kind))
	} else {
		list, err = s.depots.Repo().GetAll()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]depotView, 0, len(list))
	for i := range list {
		views = append(views, viewOf(&list[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetDepot(w http.ResponseWriter, r *http.Request) {
	callsign := depots.NormalizeCallsign(chi.URLParam(r, "callsign"))
	depot, err := s.depots.Repo().GetByCallsign(callsign)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if depot == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "depot not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(depot))
}

type registerDepotRequest struct {
	Callsign       string  `json:"callsign"`
	Kind           string  `json:"kind"`
	DisplayName    string  `json:"display_name"`
	System         string  `json:"system"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Z              float64 `json:"z"`
	DeploySystem   string  `json:"deploy_system"`
	MarketID       int64   `json:"market_id"`
	InaraURL       string  `json:"inara_url"`
	OwnerDiscordID int64   `json:"owner_discord_id"`
	ReserveTritium int     `json:"reserve_tritium"`
	AllocatedSpace int     `json:"allocated_space"`
	Active         *bool   `json:"active"`
}

func (s *Server) handleRegisterDepot(w http.ResponseWriter, r *http.Request) {
	var req registerDepotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Callsign == "" || req.MarketID == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "callsign and market_id are required"})
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	depot := &depots.Depot{
		Callsign:       depots.NormalizeCallsign(req.Callsign),
		Kind:           depots.Kind(req.Kind),
		DisplayName:    req.DisplayName,
		System:         galaxy.System{Name: req.System, Location: galaxy.Point3{X: req.X, Y: req.Y, Z: req.Z}},
		DeploySystem:   req.DeploySystem,
		MarketID:       req.MarketID,
		InaraURL:       req.InaraURL,
		OwnerDiscordID: req.OwnerDiscordID,
		ReserveTritium: req.ReserveTritium,
		AllocatedSpace: req.AllocatedSpace,
		Active:         active,
	}
	if err := s.depots.Register(depot); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewOf(depot))
}

func (s *Server) handleDeleteDepot(w http.ResponseWriter, r *http.Request) {
	callsign := depots.NormalizeCallsign(chi.URLParam(r, "callsign"))
	if err := s.depots.Repo().Delete(callsign); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetDepotActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	callsign := depots.NormalizeCallsign(chi.URLParam(r, "callsign"))
	if err := s.depots.Repo().SetActive(callsign, req.Active); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"callsign": callsign, "active": req.Active})
}

type marketSnapshotRequest struct {
	System     string        `json:"system"`
	X          float64       `json:"x"`
	Y          float64       `json:"y"`
	Z          float64       `json:"z"`
	ReceivedAt time.Time     `json:"received_at"`
	Market     domain.Market `json:"market"`
}

// handleMarketSnapshot ingests a market snapshot from the depot's own
// commander, which makes it eligible for relay to the public network.
func (s *Server) handleMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	var req marketSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	snapshot := domain.MarketSnapshot{
		Depot:      depots.NormalizeCallsign(chi.URLParam(r, "callsign")),
		Market:     req.Market,
		System:     galaxy.System{Name: req.System, Location: galaxy.Point3{X: req.X, Y: req.Y, Z: req.Z}},
		ReceivedAt: req.ReceivedAt.UTC(),
	}

	depot, err := s.ingest.ApplySnapshot(r.Context(), snapshot, true)
	if err != nil {
		if errors.Is(err, depots.ErrStaleSnapshot) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "snapshot is older than stored market"})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(depot))
}
