package eddn

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/galaxy"
	stellartest "github.com/stellarbot/stellar/internal/testing"
)

func newTestRegistry(t *testing.T) *depots.Repository {
	t.Helper()
	db, cleanup := stellartest.NewTestDB(t, "registry")
	t.Cleanup(cleanup)
	return depots.NewRepository(db.Conn(), zerolog.Nop())
}

func registerTestDepot(t *testing.T, registry *depots.Repository) *depots.Depot {
	t.Helper()
	d := &depots.Depot{
		Callsign:       "K4T-88L",
		Kind:           depots.KindCarrier,
		DisplayName:    "Long Haul",
		System:         galaxy.System{Name: "Prua Phoe AB-C d2", Location: galaxy.Point3{X: -800, Y: 120, Z: 5100}},
		MarketID:       3705551234,
		AllocatedSpace: 20000,
		ReserveTritium: 4000,
		Active:         true,
	}
	require.NoError(t, registry.Upsert(d))
	return d
}

func testIdentity() config.Eddn {
	return config.Eddn{
		SoftwareName:    "stellar",
		SoftwareVersion: "1.0.0",
		UserAgent:       "stellar-1.0.0",
		GameVersion:     "4.0.0.100",
		GameBuild:       "r300000/r0",
	}
}

func testSnapshot(callsign string, at time.Time) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Depot: callsign,
		Market: domain.Market{
			{
				Name:      domain.Tritium,
				Stock:     domain.Order{Price: 52000, Quantity: 15000, Bracket: 2},
				MeanPrice: 51000,
			},
		},
		System:     galaxy.System{Name: "Prua Phoe AB-C d2"},
		ReceivedAt: at,
	}
}

func TestPublishCommoditiesUploadsSchema(t *testing.T) {
	registry := newTestRegistry(t)
	depot := registerTestDepot(t, registry)

	var captured envelope
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub := NewPublisher(srv.URL, testIdentity(), registry, zerolog.Nop())
	at := time.Date(2026, 4, 2, 7, 30, 0, 0, time.UTC)
	require.NoError(t, pub.PublishCommodities(context.Background(), testSnapshot(depot.Callsign, at)))

	assert.Equal(t, "stellar-1.0.0", userAgent)
	assert.Equal(t, commoditySchema, captured.SchemaRef)
	assert.Equal(t, depot.Callsign, captured.Header.UploaderID)
	assert.Equal(t, "stellar", captured.Header.SoftwareName)

	var msg commodityMessage
	require.NoError(t, json.Unmarshal(captured.Message, &msg))
	assert.Equal(t, depot.MarketID, msg.MarketID)
	assert.Equal(t, "Prua Phoe AB-C d2", msg.SystemName)
	assert.Equal(t, "2026-04-02T07:30:00Z", msg.Timestamp)
	require.Len(t, msg.Commodities, 1)
	assert.Equal(t, domain.Tritium, msg.Commodities[0].Name)
	assert.Equal(t, 15000, msg.Commodities[0].Stock)
	assert.Equal(t, 52000, msg.Commodities[0].SellPrice)
	// 15000 of 25000 capacity lands in the middle bracket.
	assert.Equal(t, 2, msg.Commodities[0].StockBracket)
}

func TestPublishCommoditiesUnknownDepot(t *testing.T) {
	registry := newTestRegistry(t)
	pub := NewPublisher("http://127.0.0.1:0", testIdentity(), registry, zerolog.Nop())

	err := pub.PublishCommodities(context.Background(), testSnapshot("ZZZ-000", time.Now()))
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))
}

func TestPublishCommoditiesGatewayErrors(t *testing.T) {
	registry := newTestRegistry(t)
	depot := registerTestDepot(t, registry)

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"gateway down", http.StatusBadGateway, true},
		{"schema rejected", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			pub := NewPublisher(srv.URL, testIdentity(), registry, zerolog.Nop())
			err := pub.PublishCommodities(context.Background(), testSnapshot(depot.Callsign, time.Now()))
			require.Error(t, err)
			assert.Equal(t, tt.transient, faults.IsTransient(err))
			assert.Equal(t, !tt.transient, faults.IsPermanent(err))
		})
	}
}
