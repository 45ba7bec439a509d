// Package transport declares the external collaborators the notification
// core talks to: the live-presence channel, the outbound mail relay and the
// account profile store. The real implementations live in the surrounding
// system; this package only carries the interfaces plus mock implementations
// for local development and tests.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// Preference is the account-level mail cadence setting.
type Preference string

const (
	PrefNever     Preference = "never"
	PrefImmediate Preference = "immediate"
	PrefDaily     Preference = "daily"
)

// ParsePreference validates a raw preference value.
func ParsePreference(s string) (Preference, error) {
	switch Preference(strings.TrimSpace(s)) {
	case PrefNever, PrefImmediate, PrefDaily:
		return Preference(strings.TrimSpace(s)), nil
	}
	return "", fmt.Errorf("unknown delivery preference %q", s)
}

// Presence delivers short in-band notices to connected accounts.
// Delivery is best-effort: there is no return value to consult and no retry.
type Presence interface {
	SendToAccount(account, notice string)
}

// MailSender hands a rendered message to the outbound mail relay.
// Implementations are expected to be safe for concurrent use; callers bound
// each attempt with a context deadline and must not assume the sender
// applies its own timeout.
type MailSender interface {
	SendMail(ctx context.Context, account, address, subject, body string) error
}

// Profiles is the read-only view of the account profile store.
type Profiles interface {
	// Email returns the account's address, or ok=false when none is known.
	Email(ctx context.Context, account string) (address string, ok bool, err error)
	// DeliveryPreference returns the account's current mail cadence.
	DeliveryPreference(ctx context.Context, account string) (Preference, error)
}
