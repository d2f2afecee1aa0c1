package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/nexa/internal/channels"
	"github.com/KafClaw/nexa/internal/config"
	"github.com/KafClaw/nexa/internal/dispatch"
	"github.com/KafClaw/nexa/internal/secrets"
)

// runtimeAdapters holds the notify and escalate adapters plus whatever must be
// closed on shutdown.
type runtimeAdapters struct {
	notify   dispatch.Adapter
	escalate dispatch.Adapter
	closers  []func() error
}

func (r *runtimeAdapters) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// buildAdapters wires the configured channels. NOTIFY is routed by platform;
// platforms without a channel fall back to logging.
func buildAdapters(ctx context.Context, cfg *config.Config, ledger channels.Ledger, logger *slog.Logger) (*runtimeAdapters, error) {
	r := &runtimeAdapters{}
	router := channels.NewRouter(channels.LogAdapter{Name: "notify", Logger: logger})

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		sess, err := channels.OpenWhatsApp(ctx, wa.SessionPath, wa.LogLevel)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, sess.Close)
		if err := sess.Connect(); err != nil {
			r.Close()
			return nil, err
		}
		router.Handle("whatsapp", sess.Adapter())
	}

	if sl := cfg.Channels.Slack; sl.Enabled {
		api, err := channels.NewSlackAdapter(channels.SlackOptions{BotToken: sl.BotToken, APIBase: sl.APIBase})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("slack: %w", err)
		}
		router.Handle("slack", channels.Dedupe("slack", api, ledger, logger))
	}
	r.notify = router

	switch cfg.Escalation.Mode {
	case config.EscalationKafka:
		k := cfg.Escalation.Kafka
		password := k.Password
		if password == "" && k.Username != "" {
			if p, err := secrets.NewKeyringStore().GetToken(secrets.KafkaPassword); err == nil {
				password = p
			}
		}
		esc, err := channels.NewKafkaEscalator(channels.KafkaOptions{
			Brokers:       k.Brokers,
			Topic:         k.Topic,
			SASLMechanism: k.SASLMechanism,
			Username:      k.Username,
			Password:      password,
			WriteTimeout:  k.WriteTimeout(),
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("kafka escalation: %w", err)
		}
		r.closers = append(r.closers, esc.Close)
		r.escalate = esc
	case config.EscalationSlack:
		sl := cfg.Channels.Slack
		api, err := channels.NewSlackAdapter(channels.SlackOptions{BotToken: sl.BotToken, APIBase: sl.APIBase, Channel: cfg.Escalation.SlackChannel})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("slack escalation: %w", err)
		}
		r.escalate = channels.Dedupe("slack-escalation", api, ledger, logger)
	default:
		r.escalate = channels.LogAdapter{Name: "escalation", Logger: logger}
	}

	logger.Info("Channels ready", "notify_platforms", router.Platforms(), "escalation", cfg.Escalation.Mode)
	return r, nil
}
