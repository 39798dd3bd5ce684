// Package notify sends chat messages to payers and admins.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// ErrSend is returned when the Bot API rejects or fails a call.
var ErrSend = errors.New("telegram send failed")

// Telegram talks to the Bot API.
type Telegram struct {
	client *resty.Client
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// NewTelegram returns a client for the bot identified by token.
func NewTelegram(apiURL, token string, timeout time.Duration) *Telegram {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = DefaultAPIURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")+"/bot"+token).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Telegram{client: c}
}

// SendMessage posts text to chatID and returns the new message id.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	res, err := t.call(ctx, "/sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(res.Result.MessageID, 10), nil
}

// EditMessage replaces the text of a previously sent message.
func (t *Telegram) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad message id %q", ErrSend, messageID)
	}
	_, err = t.call(ctx, "/editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": id,
		"text":       text,
	})
	return err
}

func (t *Telegram) call(ctx context.Context, method string, body map[string]any) (*apiResponse, error) {
	var out apiResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(method)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSend, method, err)
	}
	if resp.IsError() || !out.OK {
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrSend, method, resp.StatusCode(), out.Description)
	}
	return &out, nil
}

// Log is a notifier that only writes to the log. It is used when no bot
// token is configured.
type Log struct{}

// SendMessage implements the notifier contract.
func (Log) SendMessage(_ context.Context, chatID, text string) (string, error) {
	log.Info().Str("component", "notify").Str("chat_id", chatID).Str("text", text).Msg("message")
	return "", nil
}

// EditMessage implements the notifier contract.
func (Log) EditMessage(_ context.Context, chatID, messageID, text string) error {
	log.Info().Str("component", "notify").Str("chat_id", chatID).Str("message_id", messageID).Str("text", text).Msg("edit")
	return nil
}
