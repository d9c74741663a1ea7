package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/messaging"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/whatsapp"
)

// --- Fakes ---

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) Notify(_ context.Context, a notify.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeSender struct {
	to, body string
	id       string
	err      error
}

func (f *fakeSender) SendText(_ context.Context, to, body string) (string, error) {
	f.to, f.body = to, body
	return f.id, f.err
}

type stubPresence struct{ active bool }

func (s stubPresence) MarkActive(context.Context, string) error   { return nil }
func (s stubPresence) MarkInactive(context.Context, string) error { return nil }
func (s stubPresence) Touch(context.Context, string) error        { return nil }
func (s stubPresence) IsActive(context.Context, string) (bool, error) {
	return s.active, nil
}

type env struct {
	p        *Pipeline
	svc      *messaging.Service
	reg      *live.Registry
	notifier *fakeNotifier
	sender   *fakeSender
}

func newEnv(t *testing.T, presence live.Presence) *env {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc, err := messaging.NewService(gdb, messaging.Opts{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	reg := live.NewRegistry(live.RegistryOpts{Presence: presence, Backlog: svc})
	t.Cleanup(reg.Shutdown)

	e := &env{svc: svc, reg: reg, notifier: &fakeNotifier{}, sender: &fakeSender{id: "wamid.out1"}}
	e.p, err = New(Opts{
		Service:          svc,
		Live:             reg,
		Sender:           e.sender,
		Notifier:         e.notifier,
		Cooldown:         time.Minute,
		BusinessIdentity: "+15550001111",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func inbound(id, from, text string) messaging.Envelope {
	return messaging.Envelope{ExternalID: id, From: from, Content: text, Source: models.SourceWhatsApp}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil || !strings.Contains(err.Error(), "messaging service") {
		t.Errorf("missing service: %v", err)
	}
	e := newEnv(t, nil)
	if _, err := New(Opts{Service: e.svc}); err == nil || !strings.Contains(err.Error(), "live publisher") {
		t.Errorf("missing publisher: %v", err)
	}
}

func TestIngest_DeliversToLiveSubscriber(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sub, err := e.reg.Subscribe(ctx, "+5491112345678")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	res, err := e.p.Ingest(ctx, inbound("wamid.1", "+549 11 1234-5678", "hola"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Created || res.Publish.Delivered != 1 {
		t.Errorf("result = %+v", res)
	}
	select {
	case evt := <-sub.Events():
		if evt.Type != live.TypeWhatsAppMessage || evt.Content != "hola" || evt.ID != "wamid.1" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	e.p.Wait()
	if e.notifier.count() != 0 {
		t.Errorf("alerts = %d, want 0 while a subscriber is attached", e.notifier.count())
	}
}

func TestIngest_DuplicateNotRepublished(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sub, _ := e.reg.Subscribe(ctx, "+5491112345678")

	if _, err := e.p.Ingest(ctx, inbound("wamid.dup", "+5491112345678", "once")); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	res, err := e.p.Ingest(ctx, inbound("wamid.dup", "+5491112345678", "once"))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if res.Created || res.Publish.Matched != 0 {
		t.Errorf("duplicate result = %+v", res)
	}

	<-sub.Events()
	select {
	case evt := <-sub.Events():
		t.Errorf("duplicate was republished: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIngest_OfflineAlert(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	env := inbound("wamid.off", "+5491112345678", "anyone there?")
	env.ContactName = "Lucía"

	res, err := e.p.Ingest(ctx, env)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Publish.Delivered != 0 {
		t.Fatalf("delivered = %d", res.Publish.Delivered)
	}
	e.p.Wait()
	if e.notifier.count() != 1 {
		t.Fatalf("alerts = %d, want 1", e.notifier.count())
	}
	a := e.notifier.alerts[0]
	if a.ContactID != "+5491112345678" || !strings.Contains(a.Title, "Lucía") {
		t.Errorf("alert = %+v", a)
	}

	// Second message inside the cooldown is suppressed.
	if _, err := e.p.Ingest(ctx, inbound("wamid.off2", "+5491112345678", "hello?")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	e.p.Wait()
	if e.notifier.count() != 1 {
		t.Errorf("alerts = %d, want 1 within cooldown", e.notifier.count())
	}
}

func TestIngest_NoAlertWhenPresenceActive(t *testing.T) {
	e := newEnv(t, stubPresence{active: true})
	res, err := e.p.Ingest(context.Background(), inbound("wamid.p", "+5491112345678", "hi"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Publish.PresenceChecked || !res.Publish.PresenceActive {
		t.Errorf("publish = %+v", res.Publish)
	}
	e.p.Wait()
	if e.notifier.count() != 0 {
		t.Errorf("alerts = %d, want 0", e.notifier.count())
	}
}

func TestIngest_NoAlertForOutbound(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.p.Ingest(context.Background(), messaging.Envelope{
		ExternalID: "agent-1",
		From:       "+15550001111",
		To:         "+5491112345678",
		Content:    "reply",
		Source:     models.SourceAgent,
		Direction:  models.DirectionOutbound,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	e.p.Wait()
	if e.notifier.count() != 0 {
		t.Errorf("alerts = %d, want 0", e.notifier.count())
	}
}

func TestIngest_InvalidEnvelope(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.p.Ingest(context.Background(), inbound("x", "", "text"))
	if !errors.Is(err, messaging.ErrInvalidEnvelope) {
		t.Errorf("error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestApplyStatus(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.p.Ingest(ctx, messaging.Envelope{
		ExternalID: "wamid.s", From: "+15550001111", To: "+5491112345678",
		Content: "sent", Source: models.SourceSystem, Direction: models.DirectionOutbound,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	sub, _ := e.reg.Subscribe(ctx, "+5491112345678")
	// Drain the backlog, if any, before watching for the status event.
	drain(sub)

	msg, changed, err := e.p.ApplyStatus(ctx, "wamid.s", models.StatusRead)
	if err != nil || !changed || msg.Status != models.StatusRead {
		t.Fatalf("ApplyStatus = %+v, %v, %v", msg, changed, err)
	}
	select {
	case evt := <-sub.Events():
		if evt.Type != live.TypeStatusUpdate || evt.Status != models.StatusRead {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}

	if _, changed, err := e.p.ApplyStatus(ctx, "wamid.s", models.StatusDelivered); err != nil || changed {
		t.Errorf("regression: changed=%v err=%v", changed, err)
	}
	if _, _, err := e.p.ApplyStatus(ctx, "wamid.nope", models.StatusRead); !errors.Is(err, messaging.ErrNotFound) {
		t.Errorf("unknown id error = %v", err)
	}
}

func TestSendManual(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, err := e.p.Ingest(ctx, inbound("wamid.in", "+5491112345678", "help"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	convID := res.Message.ConversationID

	out, err := e.p.SendManual(ctx, convID, "on it")
	if err != nil {
		t.Fatalf("SendManual: %v", err)
	}
	if e.sender.to != "+5491112345678" || e.sender.body != "on it" {
		t.Errorf("sender got to=%q body=%q", e.sender.to, e.sender.body)
	}
	m := out.Message
	if m.ExternalID != "wamid.out1" || m.Source != models.SourceSystem || m.Direction != models.DirectionOutbound {
		t.Errorf("stored = %+v", m)
	}
	if m.ConversationID != convID {
		t.Errorf("conversation = %d, want %d", m.ConversationID, convID)
	}
}

func TestSendManual_Failures(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	res, _ := e.p.Ingest(ctx, inbound("wamid.in", "+5491112345678", "help"))

	if _, err := e.p.SendManual(ctx, 999, "x"); !errors.Is(err, messaging.ErrNotFound) {
		t.Errorf("unknown conversation: %v", err)
	}

	e.sender.err = &whatsapp.APIError{StatusCode: 503, Body: "unavailable"}
	_, err := e.p.SendManual(ctx, res.Message.ConversationID, "x")
	var apiErr *whatsapp.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("error = %v, want APIError 503", err)
	}
	msgs, _ := e.svc.GetMessages(ctx, res.Message.ConversationID, 10)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, failed send must not be stored", len(msgs))
	}

	e.p.sender = nil
	if _, err := e.p.SendManual(ctx, res.Message.ConversationID, "x"); !errors.Is(err, ErrSendDisabled) {
		t.Errorf("error = %v, want ErrSendDisabled", err)
	}
}

func drain(sub *live.Subscription) {
	for {
		select {
		case <-sub.Events():
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}
