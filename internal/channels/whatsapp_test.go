package channels

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/KafClaw/nexa/internal/dispatch"
)

type fakeWhatsApp struct {
	to   []types.JID
	text []string
	ids  []types.MessageID
	err  error
}

func (f *fakeWhatsApp) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	if f.err != nil {
		return whatsmeow.SendResponse{}, f.err
	}
	f.to = append(f.to, to)
	f.text = append(f.text, message.GetConversation())
	var id types.MessageID
	if len(extra) > 0 {
		id = extra[0].ID
	}
	f.ids = append(f.ids, id)
	return whatsmeow.SendResponse{ID: id}, nil
}

func TestWhatsAppAdapterUsesDeterministicMessageID(t *testing.T) {
	fake := &fakeWhatsApp{}
	a := NewWhatsAppAdapter(fake)
	key := "1371a08b034fcd20a5f8f2ff670ff71fd93522d7def1fcbc4c975425b097030a"
	p := dispatch.Payload{Text: "Thanks, we got it"}

	ref1, err := a.Send(context.Background(), "491701234567@s.whatsapp.net", p, key)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ref2, err := a.Send(context.Background(), "491701234567@s.whatsapp.net", p, key)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("expected the same reference for the same key, got %q and %q", ref1, ref2)
	}
	if fake.ids[0] != MessageIDForKey(key) || fake.ids[0] != fake.ids[1] {
		t.Fatalf("message IDs not derived from key: %v", fake.ids)
	}
	if !strings.HasPrefix(string(fake.ids[0]), "3EB0") || strings.ToUpper(string(fake.ids[0])) != string(fake.ids[0]) {
		t.Fatalf("unexpected message ID format %q", fake.ids[0])
	}
	if fake.text[0] != "Thanks, we got it" || fake.to[0].User != "491701234567" {
		t.Fatalf("unexpected send: to=%v text=%v", fake.to, fake.text)
	}
}

func TestWhatsAppAdapterRejectsBadJID(t *testing.T) {
	a := NewWhatsAppAdapter(&fakeWhatsApp{})
	for _, room := range []string{"no-at-sign", "a.b.c@s.whatsapp.net"} {
		if _, err := a.Send(context.Background(), room, dispatch.Payload{}, "k"); err == nil {
			t.Fatalf("expected JID error for %q", room)
		}
	}
}

func TestWhatsAppAdapterPropagatesSendError(t *testing.T) {
	a := NewWhatsAppAdapter(&fakeWhatsApp{err: errors.New("not connected")})
	if _, err := a.Send(context.Background(), "1@s.whatsapp.net", dispatch.Payload{}, "k"); err == nil {
		t.Fatal("expected send error")
	}
	if _, err := NewWhatsAppAdapter(nil).Send(context.Background(), "1@s.whatsapp.net", dispatch.Payload{}, "k"); err == nil {
		t.Fatal("expected error for missing client")
	}
}
