// Package statistics computes network-level aggregates over the depot
// registry and the task backlog for reporting endpoints.
package statistics

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/freshness"
	"github.com/stellarbot/stellar/internal/tasks"
)

// NetworkReport summarizes the state of the depot network.
type NetworkReport struct {
	Depots        int `json:"depots"`
	ActiveDepots  int `json:"active_depots"`
	FreshMarkets  int `json:"fresh_markets"`
	AgingMarkets  int `json:"aging_markets"`
	DarkMarkets   int `json:"dark_markets"`
	TritiumOnHand int `json:"tritium_on_hand"`
	TritiumTarget int `json:"tritium_target"`

	// Stock distribution across active depots that list tritium.
	MeanStock   float64 `json:"mean_stock"`
	MedianStock float64 `json:"median_stock"`
	StdDevStock float64 `json:"stddev_stock"`
}

// TaskReport summarizes open and recently completed work.
type TaskReport struct {
	OpenRestocks int `json:"open_restocks"`
	OpenRescues  int `json:"open_rescues"`
	Unassigned   int `json:"unassigned"`

	CompletedLastWeek int     `json:"completed_last_week"`
	DeliveredLastWeek int     `json:"delivered_last_week"`
	MeanCompletionHrs float64 `json:"mean_completion_hours"`
	P90CompletionHrs  float64 `json:"p90_completion_hours"`
}

// Service reads the registry and backlog to build reports.
type Service struct {
	depots *depots.Repository
	tasks  *tasks.Repository
	log    zerolog.Logger
}

func NewService(depotRepo *depots.Repository, taskRepo *tasks.Repository, log zerolog.Logger) *Service {
	return &Service{
		depots: depotRepo,
		tasks:  taskRepo,
		log:    log.With().Str("service", "statistics").Logger(),
	}
}

// Network builds the depot-side report.
func (s *Service) Network() (*NetworkReport, error) {
	all, err := s.depots.GetAll()
	if err != nil {
		return nil, err
	}

	report := &NetworkReport{Depots: len(all)}
	var stocks []float64
	for i := range all {
		d := &all[i]
		if !d.Active {
			continue
		}
		report.ActiveDepots++
		report.TritiumTarget += d.AllocatedSpace

		switch d.Freshness {
		case freshness.Fresh:
			report.FreshMarkets++
		case freshness.Warning:
			report.AgingMarkets++
		case freshness.Expired:
			report.DarkMarkets++
		}

		if d.SellsTritium() {
			stock := d.TritiumStock()
			report.TritiumOnHand += stock
			stocks = append(stocks, float64(stock))
		}
	}

	if len(stocks) > 0 {
		sort.Float64s(stocks)
		report.MeanStock = stat.Mean(stocks, nil)
		report.MedianStock = stat.Quantile(0.5, stat.Empirical, stocks, nil)
		if len(stocks) > 1 {
			report.StdDevStock = stat.StdDev(stocks, nil)
		}
	}
	return report, nil
}

// Tasks builds the backlog report. Completion timings cover tasks closed as
// Complete within the lookback window; aborted tasks count for nothing.
func (s *Service) Tasks(now time.Time, lookback time.Duration) (*TaskReport, error) {
	open, err := s.tasks.GetOpen()
	if err != nil {
		return nil, err
	}

	report := &TaskReport{}
	for i := range open {
		t := &open[i]
		if t.Variant.Rescue() {
			report.OpenRescues++
		} else {
			report.OpenRestocks++
		}
		if len(t.Assignees) == 0 {
			report.Unassigned++
		}
	}

	closed, err := s.tasks.GetRecentClosed(500)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-lookback)
	var durations []float64
	for i := range closed {
		t := &closed[i]
		if t.Stage != domain.StageComplete || t.ClosedAt.Before(cutoff) {
			continue
		}
		report.CompletedLastWeek++
		report.DeliveredLastWeek += t.Delivered
		durations = append(durations, t.ClosedAt.Sub(t.CreatedAt).Hours())
	}

	if len(durations) > 0 {
		sort.Float64s(durations)
		report.MeanCompletionHrs = stat.Mean(durations, nil)
		report.P90CompletionHrs = stat.Quantile(0.9, stat.Empirical, durations, nil)
	}
	return report, nil
}
