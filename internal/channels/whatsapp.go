package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/nexa/internal/dispatch"
)

type whatsAppSender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// WhatsAppAdapter sends action text as a WhatsApp message. The message ID is
// derived from the idempotency key, so a resend after a crash reuses the ID of
// the first attempt.
type WhatsAppAdapter struct {
	sender whatsAppSender
}

// NewWhatsAppAdapter wraps a connected client (or any compatible sender).
func NewWhatsAppAdapter(sender whatsAppSender) *WhatsAppAdapter {
	return &WhatsAppAdapter{sender: sender}
}

func (w *WhatsAppAdapter) Send(ctx context.Context, room string, p dispatch.Payload, key string) (string, error) {
	if w.sender == nil {
		return "", errors.New("whatsapp: client not initialized")
	}
	jid, err := types.ParseJID(room)
	if err != nil {
		return "", fmt.Errorf("whatsapp: invalid JID %q: %w", room, err)
	}
	if jid.User == "" || jid.Server == "" {
		return "", fmt.Errorf("whatsapp: invalid JID %q: want user@server", room)
	}
	msg := &waE2E.Message{Conversation: proto.String(p.Text)}
	resp, err := w.sender.SendMessage(ctx, jid, msg, whatsmeow.SendRequestExtra{ID: MessageIDForKey(key)})
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	return "whatsapp:" + jid.String() + ":" + string(resp.ID), nil
}

// MessageIDForKey maps an idempotency key to a WhatsApp message ID in the
// format clients generate (3EB0 prefix, upper-case hex).
func MessageIDForKey(key string) types.MessageID {
	return types.MessageID("3EB0" + strings.ToUpper(shortKey20(key)))
}

func shortKey20(key string) string {
	if len(key) > 20 {
		return key[:20]
	}
	return key
}

// WhatsAppSession owns the whatsmeow client and its device store.
type WhatsAppSession struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
}

// OpenWhatsApp loads (or creates) the device store at sessionPath.
func OpenWhatsApp(ctx context.Context, sessionPath, logLevel string) (*WhatsAppSession, error) {
	if logLevel == "" {
		logLevel = "WARN"
	}
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o700); err != nil {
		return nil, fmt.Errorf("create whatsapp session dir: %w", err)
	}
	dbLog := waLog.Stdout("Database", logLevel, true)
	clientLog := waLog.Stdout("Client", logLevel, true)

	container, err := sqlstore.New(ctx, "sqlite", "file:"+sessionPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to init whatsapp db: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &WhatsAppSession{
		client:    whatsmeow.NewClient(device, clientLog),
		container: container,
	}, nil
}

// Paired reports whether the device store holds a logged-in session.
func (s *WhatsAppSession) Paired() bool {
	return s.client.Store.ID != nil
}

// Connect connects a paired session.
func (s *WhatsAppSession) Connect() error {
	if !s.Paired() {
		return errors.New("whatsapp session is not paired; run `nexa whatsapp login`")
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Pair runs the QR login flow, writing each code as a PNG to qrPath and
// progress lines to out. Returns once pairing succeeds or fails.
func (s *WhatsAppSession) Pair(ctx context.Context, qrPath string, out io.Writer) error {
	if s.Paired() {
		fmt.Fprintln(out, "WhatsApp: already paired")
		return nil
	}
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp qr channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if err := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); err != nil {
				return fmt.Errorf("write qr code: %w", err)
			}
			fmt.Fprintf(out, "WhatsApp login QR code saved to %s, scan it with your phone.\n", qrPath)
		case "success":
			fmt.Fprintln(out, "WhatsApp: paired")
			return nil
		default:
			if evt.Error != nil {
				return fmt.Errorf("whatsapp pairing %s: %w", evt.Event, evt.Error)
			}
			fmt.Fprintln(out, "WhatsApp: login event:", evt.Event)
		}
	}
	if !s.Paired() {
		return errors.New("whatsapp pairing ended without a session")
	}
	return nil
}

// Adapter returns the notify adapter backed by this session's client.
func (s *WhatsAppSession) Adapter() *WhatsAppAdapter {
	return NewWhatsAppAdapter(s.client)
}

func (s *WhatsAppSession) Close() error {
	if s.client != nil {
		s.client.Disconnect()
	}
	if s.container != nil {
		return s.container.Close()
	}
	return nil
}
