package chat

import (
	"context"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/store"
)

// Gateway is the persistence surface the chat core needs. *store.Store
// implements it.
type Gateway interface {
	Authenticate(ctx context.Context, email, password string) (store.Account, bool, error)
	Register(ctx context.Context, nom, prenom, email, password string, perm store.Permission) (int64, error)
	AccountByEmail(ctx context.Context, email string) (store.Account, error)

	SanctionStatus(ctx context.Context, email string, now time.Time) (store.Status, error)
	InsertSanction(ctx context.Context, sa store.Sanction) error
	DeleteSanctions(ctx context.Context, kind store.SanctionKind, email string) (int64, error)

	GrantMembership(ctx context.Context, accountID int64, room string) (bool, error)
	RevokeMembership(ctx context.Context, accountID int64, room string) (bool, error)
	IsMember(ctx context.Context, accountID int64, room string) (bool, error)
	AllowedRooms(ctx context.Context, accountID int64) ([]string, error)
	MembersByRoom(ctx context.Context) ([]store.RoomMembers, error)

	ResolveOrCreatePrivateRoom(ctx context.Context, emailA, emailB string) (int64, error)
	StorePublicMessage(ctx context.Context, accountID int64, room, content string, at time.Time) error
	StorePrivateMessage(ctx context.Context, accountID, privateRoomID int64, content string, at time.Time) error
	PublicHistory(ctx context.Context) ([]store.PublicEntry, error)
	PrivateHistory(ctx context.Context, email string) ([]store.PrivateEntry, error)

	RecordIPHistory(ctx context.Context, email, ip string) error
	IPsForEmail(ctx context.Context, email string) ([]string, error)
}

var _ Gateway = (*store.Store)(nil)
