// Package discord delivers engine output to the crew's guild.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarbot/stellar/internal/faults"
)

const apiBase = "https://discord.com/api/v10"

// Client is a minimal Discord REST client covering what the engine sends:
// channel messages and owner DMs.
type Client struct {
	token  string
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a Discord REST client authenticated as a bot.
func NewClient(token string, log zerolog.Logger) *Client {
	return &Client{
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("client", "discord").Logger(),
	}
}

// Message is an outgoing Discord message.
type Message struct {
	Content         string           `json:"content"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// AllowedMentions whitelists the pings a message may trigger.
type AllowedMentions struct {
	Roles []string `json:"roles,omitempty"`
	Users []string `json:"users,omitempty"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// SendChannelMessage posts to a channel and returns the message id.
func (c *Client) SendChannelMessage(ctx context.Context, channelID int64, msg Message) (int64, error) {
	var resp messageResponse
	path := fmt.Sprintf("/channels/%d/messages", channelID)
	if err := c.post(ctx, path, msg, &resp); err != nil {
		return 0, err
	}
	return parseSnowflake(resp.ID)
}

// SendDM opens (or reuses) the DM channel with a user and delivers the
// message there.
func (c *Client) SendDM(ctx context.Context, userID int64, msg Message) error {
	var channel struct {
		ID string `json:"id"`
	}
	err := c.post(ctx, "/users/@me/channels", map[string]any{"recipient_id": fmt.Sprintf("%d", userID)}, &channel)
	if err != nil {
		return err
	}

	channelID, err := parseSnowflake(channel.ID)
	if err != nil {
		return err
	}
	_, err = c.SendChannelMessage(ctx, channelID, msg)
	return err
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(err, "failed to encode discord payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(body))
	if err != nil {
		return faults.Wrap(err, "failed to build discord request")
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return faults.Transient(faults.Wrap(err, "discord request failed"))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return faults.Wrap(err, "failed to parse discord response")
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drainBody(resp.Body)
		return faults.Transient(faults.Newf("discord returned status %d", resp.StatusCode))
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return faults.Permanent(faults.Newf("discord returned status %d: %s", resp.StatusCode, detail))
	}
}

func drainBody(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 4096))
}

func parseSnowflake(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, faults.Wrap(err, "malformed snowflake id")
	}
	return id, nil
}
