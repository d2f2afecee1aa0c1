package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/KafClaw/nexa/internal/dispatch"
)

const defaultSlackAPIBase = "https://slack.com/api"

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackOptions configures a SlackAdapter.
type SlackOptions struct {
	BotToken string
	APIBase  string
	// Channel, when set, receives every message regardless of the action's room.
	Channel    string
	HTTPClient *http.Client
}

// SlackAdapter posts action text with chat.postMessage. Slack has no request
// idempotency, so wrap it with Dedupe.
type SlackAdapter struct {
	api     slackPoster
	channel string
}

// NewSlackAdapter builds the Slack client.
func NewSlackAdapter(opts SlackOptions) (*SlackAdapter, error) {
	api, err := newSlackClient(opts)
	if err != nil {
		return nil, err
	}
	return &SlackAdapter{api: api, channel: strings.TrimSpace(opts.Channel)}, nil
}

func newSlackClient(opts SlackOptions) (*slack.Client, error) {
	token := strings.TrimSpace(opts.BotToken)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	base := strings.TrimSpace(opts.APIBase)
	if base == "" {
		base = defaultSlackAPIBase
	}
	base = strings.TrimRight(base, "/") + "/"
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return slack.New(token, slack.OptionHTTPClient(client), slack.OptionAPIURL(base)), nil
}

func (s *SlackAdapter) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	channelID := room
	if s.channel != "" {
		channelID = s.channel
	}
	if strings.TrimSpace(channelID) == "" {
		return "", errors.New("slack: no channel to post to")
	}
	ch, ts, err := s.api.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(p.Text, false),
		slack.MsgOptionMetadata(slack.SlackMetadata{
			EventType: "nexa_action",
			EventPayload: map[string]interface{}{
				"idempotency_key": key,
				"action_id":       p.ActionID,
				"action_kind":     string(p.Kind),
			},
		}),
	)
	if err != nil {
		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			return "", fmt.Errorf("slack rate limited (retry after %s): %w", rle.RetryAfter, err)
		}
		return "", fmt.Errorf("slack post message: %w", err)
	}
	return "slack:" + ch + ":" + ts, nil
}
