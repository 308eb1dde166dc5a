package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/igolaizola/igochat/internal/bot"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// maxText is the longest reply sent in UTF-16 code units, telegram rejects
// texts above 4096.
const maxText = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiBase:    apiBase,
		httpClient: httpClient,
		log:        logger,
	}
}

// APIBase returns the API base URL for a bot token.
func APIBase(token string) string {
	return "https://api.telegram.org/bot" + token
}

type response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: couldn't create request: %w", err)
	}
	var updates []Update
	if err := c.do(req, &updates); err != nil {
		return nil, fmt.Errorf("telegram: getUpdates failed: %w", err)
	}
	return updates, nil
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, maxText),
	})
	if err != nil {
		return fmt.Errorf("telegram: couldn't marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: couldn't create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("telegram: sendMessage failed: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("couldn't read response: %w", err)
	}
	var tgResp response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return fmt.Errorf("couldn't parse response (status %d): %w", resp.StatusCode, err)
	}
	if !tgResp.OK {
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, tgResp.Description)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(tgResp.Result, result); err != nil {
		return fmt.Errorf("couldn't parse result: %w", err)
	}
	return nil
}

// Handler processes inbound messages.
type Handler interface {
	Handle(ctx context.Context, msg bot.Message, r bot.Replier) error
}

// Serve long polls for updates and passes text messages to the handler until
// the context is done. Messages of a batch are handled by up to workers
// goroutines.
func (c *Client) Serve(ctx context.Context, h Handler, timeout, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	var offset int64
	c.log.Info().Msg("telegram: polling updates")
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := c.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Msg("telegram: couldn't get updates")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		p := pool.New().WithMaxGoroutines(workers)
		for _, u := range updates {
			u := u
			offset = u.UpdateID + 1
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			msg := bot.Message{
				SenderID: senderID(u.Message),
				Text:     u.Message.Text,
			}
			chatID := u.Message.Chat.ID
			p.Go(func() {
				replier := bot.ReplierFunc(func(ctx context.Context, text string) error {
					return c.SendMessage(ctx, chatID, text)
				})
				if err := h.Handle(ctx, msg, replier); err != nil {
					c.log.Error().Err(err).Int64("update", u.UpdateID).Msg("telegram: couldn't handle update")
				}
			})
		}
		p.Wait()
	}
}

// senderID identifies the author of a message, falling back to the chat.
func senderID(m *Message) string {
	if m.From != nil {
		return strconv.FormatInt(m.From.ID, 10)
	}
	return strconv.FormatInt(m.Chat.ID, 10)
}

// truncate cuts s to at most maxUnits UTF-16 code units, the unit telegram
// uses for its message length limit.
func truncate(s string, maxUnits int) string {
	units := 0
	for i, r := range s {
		n := 1
		if r > 0xFFFF {
			// Encoded as a surrogate pair
			n = 2
		}
		if units+n > maxUnits {
			return s[:i]
		}
		units += n
	}
	return s
}
