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

// TimestampLayout is used in chat lines and history payloads.
const TimestampLayout = "2006-01-02 15:04:05"

// Router persists messages and fans them out to live sessions.
type Router struct {
	gw     Gateway
	reg    *Registry
	now    func() time.Time
	logger *slog.Logger
}

func NewRouter(gw Gateway, reg *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{gw: gw, reg: reg, now: time.Now, logger: logger}
}

// FormatPublic renders a room line as recipients see it.
func FormatPublic(at time.Time, sender Session, content string) string {
	return fmt.Sprintf("[%s] %s : %s", at.Format(TimestampLayout), sender.DisplayName(), content)
}

// FormatPrivate renders a private line as the recipient sees it.
func FormatPrivate(sender, content string) string {
	return "[MP de " + sender + "] " + content
}

// PublishPublic stores content and delivers it to the room. Every
// connected session receives General; other rooms reach authenticated
// members only. It returns the number of sessions the line was queued to.
func (rt *Router) PublishPublic(ctx context.Context, sender Session, room, content string) (int, error) {
	if _, ok := PolicyFor(room); !ok {
		return 0, ErrUnknownRoom
	}
	if room != store.RoomGeneral {
		member, err := rt.gw.IsMember(ctx, sender.AccountID, room)
		if err != nil {
			return 0, fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return 0, ErrNotMember
		}
	}

	at := rt.now()
	if err := rt.gw.StorePublicMessage(ctx, sender.AccountID, room, content, at); err != nil {
		if errors.Is(err, store.ErrUnknownRoom) {
			return 0, ErrUnknownRoom
		}
		return 0, fmt.Errorf("store public message: %w", err)
	}

	line := string(protocol.ChatMessage(room, FormatPublic(at, sender, content)))
	members := make(map[int64]bool)
	delivered := 0
	for _, e := range rt.reg.Snapshot() {
		if room != store.RoomGeneral {
			if !e.Session.Authenticated {
				continue
			}
			ok, seen := members[e.Session.AccountID]
			if !seen {
				var err error
				ok, err = rt.gw.IsMember(ctx, e.Session.AccountID, room)
				if err != nil {
					rt.logger.Warn("membership check failed", "room", room, "email", e.Session.Email, "err", err)
				}
				members[e.Session.AccountID] = ok
			}
			if !ok {
				continue
			}
		}
		if e.Client.Send(line) {
			delivered++
		}
	}
	MessagesTotal.WithLabelValues("public_delivery").Add(float64(delivered))
	return delivered, nil
}

// SendPrivate stores content in the private room of sender and recipient
// and delivers it to every session of the recipient.
func (rt *Router) SendPrivate(ctx context.Context, sender Session, recipient, content string) (int, error) {
	if _, err := rt.gw.AccountByEmail(ctx, recipient); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrUnknownAccount
		}
		return 0, fmt.Errorf("recipient lookup: %w", err)
	}
	roomID, err := rt.gw.ResolveOrCreatePrivateRoom(ctx, sender.Email, recipient)
	if err != nil {
		return 0, fmt.Errorf("private room: %w", err)
	}
	if err := rt.gw.StorePrivateMessage(ctx, sender.AccountID, roomID, content, rt.now()); err != nil {
		return 0, fmt.Errorf("store private message: %w", err)
	}

	line := string(protocol.NewPrivateMessage(sender.Email, FormatPrivate(sender.Email, content)))
	delivered := 0
	for _, e := range rt.reg.Snapshot() {
		if !e.Session.Authenticated || e.Session.Email != recipient {
			continue
		}
		if e.Client.Send(line) {
			delivered++
		}
	}
	MessagesTotal.WithLabelValues("private_delivery").Add(float64(delivered))
	return delivered, nil
}

// Announce queues line to every connected session.
func (rt *Router) Announce(line string) int {
	n := 0
	for _, e := range rt.reg.Snapshot() {
		if e.Client.Send(line) {
			n++
		}
	}
	return n
}
