package transport

import (
	"context"
	"sync"

	"github.com/laurafang/swish/pkg/logx"
)

// MockMailSender logs mail instead of sending it. Used when notifyd runs
// without a real relay wired in.
type MockMailSender struct {
	log logx.Logger
}

func NewMockMailSender(log logx.Logger) *MockMailSender {
	return &MockMailSender{log: log}
}

func (m *MockMailSender) SendMail(_ context.Context, account, address, subject, body string) error {
	m.log.Info("MOCK MAIL",
		logx.String("account", account),
		logx.String("to", address),
		logx.String("subject", subject),
		logx.Int("body_length", len(body)))
	return nil
}

// LogPresence logs presence notices instead of delivering them.
type LogPresence struct {
	log logx.Logger
}

func NewLogPresence(log logx.Logger) *LogPresence {
	return &LogPresence{log: log}
}

func (p *LogPresence) SendToAccount(account, notice string) {
	p.log.Debug("presence notice",
		logx.String("account", account),
		logx.String("notice", notice))
}

// StaticProfiles is an in-memory profile store for tests and development.
// Accounts without an entry default to PrefNever and no address.
type StaticProfiles struct {
	mu      sync.RWMutex
	entries map[string]StaticProfile
}

type StaticProfile struct {
	Address    string
	Preference Preference
}

func NewStaticProfiles() *StaticProfiles {
	return &StaticProfiles{entries: map[string]StaticProfile{}}
}

func (s *StaticProfiles) Set(account string, p StaticProfile) {
	s.mu.Lock()
	s.entries[account] = p
	s.mu.Unlock()
}

func (s *StaticProfiles) Email(_ context.Context, account string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[account]
	if !ok || p.Address == "" {
		return "", false, nil
	}
	return p.Address, true, nil
}

func (s *StaticProfiles) DeliveryPreference(_ context.Context, account string) (Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[account]
	if !ok || p.Preference == "" {
		return PrefNever, nil
	}
	return p.Preference, nil
}
