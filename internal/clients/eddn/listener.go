package eddn

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/stellarbot/stellar/internal/depots"
	"github.com/stellarbot/stellar/internal/domain"
	"github.com/stellarbot/stellar/internal/faults"
	"github.com/stellarbot/stellar/internal/galaxy"
)

const (
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// Ingestor receives market snapshots decoded from the relay stream.
type Ingestor interface {
	ApplySnapshot(ctx context.Context, snapshot domain.MarketSnapshot, local bool) (*depots.Depot, error)
}

// Listener consumes the EDDN commodity stream over a websocket bridge and
// routes snapshots for known depots into the registry. Messages for markets
// the registry does not track are dropped without logging; the stream carries
// the whole galaxy and registry depots are a vanishing fraction of it.
type Listener struct {
	url      string
	registry *depots.Repository
	ingestor Ingestor
	log      zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelFunc context.CancelFunc
	stopChan   chan struct{}
	stopped    bool
}

// NewListener creates a stream listener. Start must be called to connect.
func NewListener(url string, registry *depots.Repository, ingestor Ingestor, log zerolog.Logger) *Listener {
	return &Listener{
		url:      url,
		registry: registry,
		ingestor: ingestor,
		log:      log.With().Str("component", "eddn_listener").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start connects to the stream and launches the read loop. A failed initial
// connection is retried in the background.
func (l *Listener) Start() error {
	l.log.Info().Str("url", l.url).Msg("Starting EDDN stream listener")

	ctx, err := l.connect()
	if err != nil {
		l.log.Warn().Err(err).Msg("Initial EDDN connection failed, will retry in background")
		go l.reconnectLoop()
		return err
	}

	go l.readMessages(ctx)
	return nil
}

// Stop disconnects and halts reconnection attempts.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.stopChan)
	return l.disconnect()
}

func (l *Listener) connect() (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	if err != nil {
		return nil, faults.Wrap(err, "failed to dial EDDN stream")
	}
	// The stream is firehose-scale; the default 32KiB limit drops large
	// commodity messages.
	conn.SetReadLimit(1 << 20)

	connCtx, connCancel := context.WithCancel(context.Background())
	l.conn = conn
	l.cancelFunc = connCancel

	l.log.Info().Msg("Connected to EDDN stream")
	return connCtx, nil
}

func (l *Listener) disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	if l.cancelFunc != nil {
		l.cancelFunc()
		l.cancelFunc = nil
	}

	err := l.conn.Close(websocket.StatusNormalClosure, "")
	l.conn = nil
	if err != nil {
		return faults.Wrap(err, "failed to close EDDN stream")
	}
	return nil
}

func (l *Listener) reconnectLoop() {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}

		select {
		case <-l.stopChan:
			return
		case <-time.After(delay):
		}

		l.log.Info().Int("attempt", attempt).Msg("Reconnecting to EDDN stream")
		ctx, err := l.connect()
		if err == nil {
			go l.readMessages(ctx)
			return
		}
		l.log.Warn().Err(err).Int("attempt", attempt).Msg("EDDN reconnect failed")
	}
	l.log.Error().Msg("Giving up on EDDN stream after repeated reconnect failures")
}

func (l *Listener) readMessages(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		stopped := l.stopped
		l.mu.Unlock()
		if !stopped {
			go l.reconnectLoop()
		}
	}()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				l.log.Info().Int("status", int(status)).Msg("EDDN stream closed")
			} else if ctx.Err() == nil {
				l.log.Error().Err(err).Msg("EDDN stream read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := l.HandleMessage(ctx, message); err != nil {
			l.log.Error().Err(err).Msg("Failed to handle EDDN message")
		}
	}
}

// HandleMessage decodes one relay message and, when it belongs to a tracked
// depot, converts it into a snapshot and hands it to the ingestor. Unknown
// markets and non-commodity schemas are ignored.
func (l *Listener) HandleMessage(ctx context.Context, message []byte) error {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return faults.Wrap(err, "failed to parse EDDN envelope")
	}
	if !strings.HasPrefix(env.SchemaRef, commoditySchema) {
		return nil
	}

	var msg commodityMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return faults.Wrap(err, "failed to parse commodity message")
	}

	depot, err := l.registry.GetByMarketID(msg.MarketID)
	if err != nil {
		return err
	}
	if depot == nil {
		return nil
	}

	receivedAt, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		return faults.Wrap(err, "failed to parse commodity timestamp")
	}

	snapshot := domain.MarketSnapshot{
		Depot:      depot.Callsign,
		Market:     convertCommodities(msg.Commodities),
		System:     galaxy.System{Name: msg.SystemName, Location: depot.System.Location},
		ReceivedAt: receivedAt.UTC(),
	}

	if _, err := l.ingestor.ApplySnapshot(ctx, snapshot, false); err != nil {
		if errors.Is(err, depots.ErrStaleSnapshot) {
			return nil
		}
		return err
	}

	l.log.Debug().
		Str("callsign", depot.Callsign).
		Int("commodities", len(snapshot.Market)).
		Msg("Ingested market snapshot from EDDN")
	return nil
}

func convertCommodities(commodities []commodity) domain.Market {
	market := make(domain.Market, 0, len(commodities))
	for _, c := range commodities {
		market = append(market, domain.Good{
			Name: c.Name,
			Stock: domain.Order{
				Price:    c.SellPrice,
				Quantity: c.Stock,
				Bracket:  c.StockBracket,
			},
			Demand: domain.Order{
				Price:    c.BuyPrice,
				Quantity: c.Demand,
				Bracket:  c.DemandBracket,
			},
			MeanPrice: c.MeanPrice,
		})
	}
	return market
}
