package channels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProbeSlack calls auth.test and returns "user@team" for the token.
func ProbeSlack(ctx context.Context, opts SlackOptions) (string, error) {
	api, err := newSlackClient(opts)
	if err != nil {
		return "", err
	}
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth.test: %w", err)
	}
	return resp.User + "@" + resp.Team, nil
}

// ProbeKafka dials the brokers in order and reads the topic's partitions from
// the first one that answers.
func ProbeKafka(ctx context.Context, opts KafkaOptions) (partitions int, err error) {
	if len(opts.Brokers) == 0 {
		return 0, errors.New("no brokers configured")
	}
	mech, err := saslMechanism(opts.SASLMechanism, opts.Username, opts.Password)
	if err != nil {
		return 0, err
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	dialer := &kafka.Dialer{Timeout: timeout, DualStack: true, SASLMechanism: mech}

	var lastErr error
	for _, broker := range opts.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		parts, err := conn.ReadPartitions(opts.Topic)
		conn.Close()
		if err != nil {
			return 0, fmt.Errorf("read partitions of %s via %s: %w", opts.Topic, broker, err)
		}
		return len(parts), nil
	}
	return 0, fmt.Errorf("no broker reachable: %w", lastErr)
}
