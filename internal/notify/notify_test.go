package notify

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func TestDispatcher_RespectsPreferences(t *testing.T) {
	rec := &Recorder{}
	prefs := NewMemoryPreferences()
	prefs.OptOut("patient-1", KindReminderDayBefore)
	d := NewDispatcher(rec, prefs, zerolog.New(io.Discard))

	if err := d.Send(context.Background(), Message{Recipient: "patient-1", Kind: KindReminderDayBefore}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := d.Send(context.Background(), Message{Recipient: "patient-1", Kind: KindReminderImminent}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Kind != KindReminderImminent {
		t.Fatalf("expected only the imminent reminder, got %+v", msgs)
	}
}

func TestDispatcher_SendReturnsGatewayError(t *testing.T) {
	rec := &Recorder{Fail: errors.New("gateway down")}
	d := NewDispatcher(rec, nil, zerolog.New(io.Discard))

	if err := d.Send(context.Background(), Message{Recipient: "x", Kind: KindReminder}); err == nil {
		t.Fatal("expected gateway error")
	}
	// Notify swallows it
	d.Notify(context.Background(), Message{Recipient: "x", Kind: KindReminder})
}

func TestDispatcher_AlertBypassesPreferences(t *testing.T) {
	rec := &Recorder{}
	prefs := NewMemoryPreferences()
	prefs.OptOut(OperatorRecipient, KindOperatorAlert)
	d := NewDispatcher(rec, prefs, zerolog.New(io.Discard))

	d.Alert(context.Background(), Alert{Code: "session_bind_failed", Message: "room could not be created", Fields: map[string]string{"appointment_id": "a-1"}})

	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one alert, got %d", len(msgs))
	}
	if msgs[0].Context["code"] != "session_bind_failed" || msgs[0].Context["appointment_id"] != "a-1" {
		t.Errorf("unexpected alert context %v", msgs[0].Context)
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(Message{Kind: KindAppointmentCancelled}); got != "notification.appointment_cancelled" {
		t.Errorf("unexpected routing key %q", got)
	}
}
