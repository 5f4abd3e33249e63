package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookHook mirrors warning and error log records to a Discord webhook.
// Delivery is asynchronous; records are dropped rather than ever blocking
// the logging path.
type WebhookHook struct {
	url    string
	client *http.Client
	ch     chan string
	done   chan struct{}
}

// NewWebhookHook starts the delivery goroutine for the given webhook URL.
func NewWebhookHook(url string) *WebhookHook {
	h := &WebhookHook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		ch:     make(chan string, 64),
		done:   make(chan struct{}),
	}
	go h.pump()
	return h
}

// Run implements zerolog.Hook.
func (h *WebhookHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || msg == "" {
		return
	}
	select {
	case h.ch <- fmt.Sprintf("**%s** %s", strings.ToUpper(level.String()), msg):
	default:
		// Backlog full; the record still reaches the primary sink.
	}
}

// Close drains pending records and stops the delivery goroutine.
func (h *WebhookHook) Close() {
	close(h.ch)
	<-h.done
}

func (h *WebhookHook) pump() {
	defer close(h.done)
	for content := range h.ch {
		h.post(content)
	}
}

func (h *WebhookHook) post(content string) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return
	}
	resp, err := h.client.Post(h.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
