// Package notify is the boundary to the external notification gateway. The
// engine hands it a recipient, a template kind and a flat context; rendering
// and delivery happen elsewhere. Preference checks are done here, once, for
// every message.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

type TemplateKind string

const (
	KindReminderDayBefore     TemplateKind = "reminder_day_before"
	KindReminderHourBefore    TemplateKind = "reminder_hour_before"
	KindReminderImminent      TemplateKind = "reminder_imminent"
	KindReminder              TemplateKind = "reminder"
	KindAppointmentScheduled  TemplateKind = "appointment_scheduled"
	KindAppointmentCancelled  TemplateKind = "appointment_cancelled"
	KindAppointmentReschedule TemplateKind = "appointment_rescheduled"
	KindRegistrationExpiring  TemplateKind = "registration_expiring"
	KindRegistrationSuspended TemplateKind = "registration_suspended"
	KindOperatorAlert         TemplateKind = "operator_alert"
)

// OperatorRecipient addresses the staff channel that receives alerts.
const OperatorRecipient = "operator"

type Message struct {
	Recipient string            `json:"recipient"`
	Kind      TemplateKind      `json:"kind"`
	Context   map[string]string `json:"context,omitempty"`
}

// Gateway delivers a message. Implementations must be safe for concurrent use.
type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// Preferences decides whether a recipient wants a given kind of message.
type Preferences interface {
	Allows(ctx context.Context, recipient string, kind TemplateKind) (bool, error)
}

// Alert is an operator-visible failure that needs a human.
type Alert struct {
	Code    string
	Message string
	Fields  map[string]string
}

type Dispatcher struct {
	gateway Gateway
	prefs   Preferences
	log     zerolog.Logger
}

func NewDispatcher(gateway Gateway, prefs Preferences, logger zerolog.Logger) *Dispatcher {
	if prefs == nil {
		prefs = AllowAll{}
	}
	return &Dispatcher{
		gateway: gateway,
		prefs:   prefs,
		log:     logger.With().Str("component", "notify").Logger(),
	}
}

// Send applies the recipient's preferences and hands msg to the gateway.
// A message suppressed by preference is not an error.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	ok, err := d.prefs.Allows(ctx, msg.Recipient, msg.Kind)
	if err != nil {
		return fmt.Errorf("lookup preferences for %s: %w", msg.Recipient, err)
	}
	if !ok {
		d.log.Debug().
			Str("recipient", msg.Recipient).
			Str("kind", string(msg.Kind)).
			Msg("notification suppressed by preference")
		return nil
	}

	if err := d.gateway.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind, msg.Recipient, err)
	}
	return nil
}

// Notify is fire-and-forget Send: failures are logged, never returned.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	if err := d.Send(ctx, msg); err != nil {
		d.log.Warn().
			Err(err).
			Str("recipient", msg.Recipient).
			Str("kind", string(msg.Kind)).
			Msg("notification failed")
	}
}

// Alert logs a at error level and forwards it to the operator channel,
// bypassing preferences.
func (d *Dispatcher) Alert(ctx context.Context, a Alert) {
	ev := d.log.Error().Str("alert", a.Code)
	for k, v := range a.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(a.Message)

	fields := make(map[string]string, len(a.Fields)+2)
	for k, v := range a.Fields {
		fields[k] = v
	}
	fields["code"] = a.Code
	fields["message"] = a.Message

	msg := Message{Recipient: OperatorRecipient, Kind: KindOperatorAlert, Context: fields}
	if err := d.gateway.Send(ctx, msg); err != nil {
		d.log.Error().Err(err).Str("alert", a.Code).Msg("failed to deliver operator alert")
	}
}
