package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"service":    s.cfg.Software.Name,
		"version":    s.cfg.Software.Version,
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"goroutines": runtime.NumGoroutine(),
		"dispatcher": map[string]any{"idle": s.dispatcher.Idle()},
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		status["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]any{
			"used_percent": vm.UsedPercent,
			"total_mb":     vm.Total >> 20,
			"available_mb": vm.Available >> 20,
		}
	}

	dbs := make(map[string]string, len(s.databases))
	for _, db := range s.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			dbs[db.Name()] = err.Error()
		} else {
			dbs[db.Name()] = "ok"
		}
	}
	status["databases"] = dbs

	s.writeJSON(w, http.StatusOK, status)
}

// handleManualTick forces a tick pass at the current minute. The ledger
// still deduplicates, so re-triggering within the same minute is a no-op.
func (s *Server) handleManualTick(w http.ResponseWriter, r *http.Request) {
	boundary := time.Now().UTC().Truncate(time.Minute)

	intents, err := s.orch.RunBoundary(r.Context(), boundary)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.dispatcher.Enqueue(intents)
	s.dispatcher.Trigger()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"boundary": boundary,
		"admitted": len(intents),
	})
}

func (s *Server) handleListCapiLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.capi.Repo().GetAll()
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	type linkView struct {
		CustomerID    int64     `json:"customer_id"`
		Commander     string    `json:"commander"`
		DepotCallsign string    `json:"depot_callsign"`
		AuthType      string    `json:"auth_type"`
		State         string    `json:"state"`
		LastRefreshed time.Time `json:"last_refreshed"`
	}
	views := make([]linkView, 0, len(links))
	for i := range links {
		l := &links[i]
		views = append(views, linkView{
			CustomerID:    l.CustomerID,
			Commander:     l.Commander,
			DepotCallsign: l.DepotCallsign,
			AuthType:      string(l.AuthType),
			State:         string(l.State(now)),
			LastRefreshed: l.LastRefreshed,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.stats.Network()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.stats.Tasks(time.Now().UTC(), 7*24*time.Hour)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := s.backups.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.backups.CreateAndUpload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}
