package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/ato/utils/pkg/retry"
)

const (
	DefaultTelegramURL = "https://api.telegram.org"
	telegramMaxLength  = 4096
)

// TelegramChannel posts announcements through the Telegram Bot API.
type TelegramChannel struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
	retry    retry.Config
}

func NewTelegramChannel(botToken, chatID, baseURL string) *TelegramChannel {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &TelegramChannel{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 15 * time.Second},
		retry:    retry.DefaultConfig(),
	}
}

func (c *TelegramChannel) Name() string   { return "telegram" }
func (c *TelegramChannel) MaxLength() int { return telegramMaxLength }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func (c *TelegramChannel) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": c.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)

	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return &telegramError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
		}
		var tr telegramResponse
		if err := json.Unmarshal(respBody, &tr); err != nil {
			return fmt.Errorf("failed to decode telegram response: %w", err)
		}
		if !tr.OK {
			return fmt.Errorf("telegram API error: %s", tr.Description)
		}
		return nil
	})
}

type telegramError struct {
	status int
	body   string
}

func (e *telegramError) Error() string {
	return fmt.Sprintf("telegram API error: status %d, body: %s", e.status, e.body)
}

func (e *telegramError) StatusCode() int { return e.status }
