// Package eddn publishes local market snapshots to the EDDN relay and
// consumes the public commodity stream for depots tracked in the registry.
package eddn

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/config"
	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/faults"
)

const (
	// DefaultUploadURL is the EDDN gateway upload endpoint.
	DefaultUploadURL = "https://eddn.edcd.io:4430/upload/"

	commoditySchema = "https://eddn.edcd.io/schemas/commodity/3"

	uploadTimeout = 15 * time.Second
)

// envelope is the EDDN message wrapper.
type envelope struct {
	SchemaRef string          `json:"$schemaRef"`
	Header    header          `json:"header"`
	Message   json.RawMessage `json:"message"`
}

type header struct {
	UploaderID      string `json:"uploaderID"`
	SoftwareName    string `json:"softwareName"`
	SoftwareVersion string `json:"softwareVersion"`
	GameVersion     string `json:"gameversion,omitempty"`
	GameBuild       string `json:"gamebuild,omitempty"`
}

// commodityMessage is the commodity/3 schema message body.
type commodityMessage struct {
	SystemName  string      `json:"systemName"`
	StationName string      `json:"stationName"`
	MarketID    int64       `json:"marketId"`
	Timestamp   string      `json:"timestamp"`
	Commodities []commodity `json:"commodities"`
}

type commodity struct {
	Name          string `json:"name"`
	MeanPrice     int    `json:"meanPrice"`
	BuyPrice      int    `json:"buyPrice"`
	Stock         int    `json:"stock"`
	StockBracket  int    `json:"stockBracket"`
	SellPrice     int    `json:"sellPrice"`
	Demand        int    `json:"demand"`
	DemandBracket int    `json:"demandBracket"`
}

// Publisher uploads commodity snapshots to the EDDN gateway. It implements
// depots.Relay for locally-sourced market data.
type Publisher struct {
	uploadURL string
	identity  config.Eddn
	registry  *depots.Repository
	client    *http.Client
	log       zerolog.Logger
}

// NewPublisher creates an EDDN publisher posting to the given upload URL.
// Pass DefaultUploadURL outside of tests.
func NewPublisher(uploadURL string, identity config.Eddn, registry *depots.Repository, log zerolog.Logger) *Publisher {
	return &Publisher{
		uploadURL: uploadURL,
		identity:  identity,
		registry:  registry,
		client:    &http.Client{Timeout: uploadTimeout},
		log:       log.With().Str("client", "eddn").Logger(),
	}
}

// PublishCommodities uploads a depot's market snapshot using the commodity/3
// schema. The depot must exist in the registry so the upload carries its
// market id.
func (p *Publisher) PublishCommodities(ctx context.Context, snapshot domain.MarketSnapshot) error {
	depot, err := p.registry.GetByCallsign(snapshot.Depot)
	if err != nil {
		return err
	}
	if depot == nil {
		return faults.Permanent(faults.Newf("unknown depot %s", snapshot.Depot))
	}

	msg := commodityMessage{
		SystemName:  snapshot.System.Name,
		StationName: depot.Callsign,
		MarketID:    depot.MarketID,
		Timestamp:   snapshot.ReceivedAt.UTC().Format(time.RFC3339),
		Commodities: make([]commodity, 0, len(snapshot.Market)),
	}
	for _, good := range snapshot.Market {
		msg.Commodities = append(msg.Commodities, commodity{
			Name:          good.Name,
			MeanPrice:     good.MeanPrice,
			BuyPrice:      good.Demand.Price,
			Stock:         good.Stock.Quantity,
			StockBracket:  domain.StockBracket(good.Stock.Quantity),
			SellPrice:     good.Stock.Price,
			Demand:        good.Demand.Quantity,
			DemandBracket: good.Demand.Bracket,
		})
	}

	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return faults.Wrap(err, "failed to marshal commodity message")
	}
	body, err := json.Marshal(envelope{
		SchemaRef: commoditySchema,
		Header: header{
			UploaderID:      depot.Callsign,
			SoftwareName:    p.identity.SoftwareName,
			SoftwareVersion: p.identity.SoftwareVersion,
			GameVersion:     p.identity.GameVersion,
			GameBuild:       p.identity.GameBuild,
		},
		Message: rawMsg,
	})
	if err != nil {
		return faults.Wrap(err, "failed to marshal EDDN envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadURL, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(err, "failed to create upload request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.identity.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return faults.Transient(faults.Wrap(err, "failed to reach EDDN gateway"))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := faults.Newf("EDDN upload rejected: status %d: %s", resp.StatusCode, string(detail))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return faults.Transient(err)
		}
		return faults.Permanent(err)
	}

	p.log.Debug().
		Str("callsign", depot.Callsign).
		Int("commodities", len(msg.Commodities)).
		Msg("Snapshot relayed to EDDN")
	return nil
}
