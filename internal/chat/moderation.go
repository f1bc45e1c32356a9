package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/protocol"
	"github.com/andy6609/multiroom-chat-server/internal/store"
)

const (
	DefaultBanMotif  = "Ban administratif."
	DefaultKickMotif = "Kick administratif."
)

// Moderator issues and enforces bans and kicks.
type Moderator struct {
	gw     Gateway
	reg    *Registry
	now    func() time.Time
	logger *slog.Logger
}

func NewModerator(gw Gateway, reg *Registry, logger *slog.Logger) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Moderator{gw: gw, reg: reg, now: time.Now, logger: logger}
}

// Check returns the sanction in force for email, ban first.
func (m *Moderator) Check(ctx context.Context, email string) (store.Status, error) {
	return m.gw.SanctionStatus(ctx, email, m.now())
}

// Ban records a permanent ban and disconnects the account's sessions. It
// returns how many sessions were closed.
func (m *Moderator) Ban(ctx context.Context, email, motif string) (int, error) {
	if motif == "" {
		motif = DefaultBanMotif
	}
	err := m.gw.InsertSanction(ctx, store.Sanction{
		Kind: store.SanctionBan, Email: email, Motif: motif, IssuedAt: m.now(),
	})
	if err != nil {
		return 0, m.sanctionErr(err)
	}
	SanctionsTotal.WithLabelValues(string(store.SanctionBan)).Inc()
	n, err := m.enforce(ctx, email, protocol.Banned)
	m.logger.Info("account banned", "email", email, "disconnected", n)
	return n, err
}

// Kick records a temporary ban of the given length and disconnects the
// account's sessions.
func (m *Moderator) Kick(ctx context.Context, email string, d time.Duration, motif string) (int, error) {
	if d < time.Minute {
		return 0, ErrInvalidDuration
	}
	if motif == "" {
		motif = DefaultKickMotif
	}
	err := m.gw.InsertSanction(ctx, store.Sanction{
		Kind: store.SanctionKick, Email: email, Duration: d, Motif: motif, IssuedAt: m.now(),
	})
	if err != nil {
		return 0, m.sanctionErr(err)
	}
	SanctionsTotal.WithLabelValues(string(store.SanctionKick)).Inc()
	n, err := m.enforce(ctx, email, protocol.Kicked)
	m.logger.Info("account kicked", "email", email, "duration", d, "disconnected", n)
	return n, err
}

// Unban removes every ban of email.
func (m *Moderator) Unban(ctx context.Context, email string) (int64, error) {
	return m.gw.DeleteSanctions(ctx, store.SanctionBan, email)
}

// Unkick removes every kick of email.
func (m *Moderator) Unkick(ctx context.Context, email string) (int64, error) {
	return m.gw.DeleteSanctions(ctx, store.SanctionKick, email)
}

// enforce closes every session that is authenticated as email or comes
// from an address email has used.
func (m *Moderator) enforce(ctx context.Context, email string, notice protocol.Reply) (int, error) {
	ips, err := m.gw.IPsForEmail(ctx, email)
	if err != nil {
		return 0, fmt.Errorf("ip history: %w", err)
	}
	known := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		known[ip] = struct{}{}
	}
	gone := m.reg.Disconnect(func(s Session) bool {
		if s.Authenticated && s.Email == email {
			return true
		}
		_, hit := known[s.IP]
		return hit
	}, string(notice))
	return len(gone), nil
}

func (m *Moderator) sanctionErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownAccount
	}
	return fmt.Errorf("insert sanction: %w", err)
}
