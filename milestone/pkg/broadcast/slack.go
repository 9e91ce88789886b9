package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/ato/utils/pkg/retry"
)

// SlackChannel posts announcements to a Slack channel.
type SlackChannel struct {
	api       *slack.Client
	channelID string
	log       *slog.Logger
	retry     retry.Config
}

// NewSlackChannel creates a Slack channel. apiURL overrides the Slack API
// endpoint and is only set in tests.
func NewSlackChannel(botToken, channelID, apiURL string, log *slog.Logger) *SlackChannel {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackChannel{
		api:       slack.New(botToken, opts...),
		channelID: channelID,
		log:       log,
		retry:     retry.DefaultConfig(),
	}
}

func (c *SlackChannel) Name() string   { return "slack" }
func (c *SlackChannel) MaxLength() int { return 0 }

func (c *SlackChannel) Send(ctx context.Context, text string) error {
	cfg := c.retry
	cfg.RetryIf = func(err error) bool {
		// Configuration errors will not fix themselves.
		msg := err.Error()
		if strings.Contains(msg, "missing_scope") ||
			strings.Contains(msg, "channel_not_found") ||
			strings.Contains(msg, "not_in_channel") ||
			strings.Contains(msg, "invalid_auth") {
			return false
		}
		return retry.IsRetryable(err)
	}

	var ts string
	err := retry.Do(ctx, cfg, func() error {
		var err error
		_, ts, err = c.api.PostMessageContext(ctx, c.channelID, slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "missing_scope") {
			c.log.Error("slack: chat:write scope is missing from the bot token")
		}
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	c.log.Debug("slack: message posted", "channel", c.channelID, "ts", ts)
	return nil
}
