package testutil

import (
	"context"
	"sync"

	"alumni_chat/internal/notify"
)

// Mailbox - notify.Notifier, который запоминает письма вместо отправки.
type Mailbox struct {
	mu     sync.Mutex
	emails []notify.Email
}

func (m *Mailbox) SendEmail(_ context.Context, email notify.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, email)
	return nil
}

func (m *Mailbox) Close() error { return nil }

func (m *Mailbox) Emails() []notify.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Email(nil), m.emails...)
}

var _ notify.Notifier = (*Mailbox)(nil)
