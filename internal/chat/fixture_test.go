package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/andy6609/multiroom-chat-server/internal/store"
)

type fixture struct {
	st  *store.Store
	reg *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", store.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &fixture{st: st, reg: newTestRegistry(t)}
}

func (f *fixture) account(t *testing.T, nom, prenom, email string) store.Account {
	t.Helper()
	ctx := context.Background()
	_, err := f.st.Register(ctx, nom, prenom, email, "pw", store.PermissionStandard)
	require.NoError(t, err)
	acct, err := f.st.AccountByEmail(ctx, email)
	require.NoError(t, err)
	return acct
}

func (f *fixture) connect(t *testing.T, id, ip string) *Client {
	t.Helper()
	c := newTestClient(id, ip)
	register(t, f.reg, c)
	return c
}

// signIn marks c's session as authenticated for acct.
func (f *fixture) signIn(t *testing.T, c *Client, acct store.Account) Session {
	t.Helper()
	s, ok := f.reg.Update(c.ID, func(s *Session) {
		s.Authenticated = true
		s.AccountID = acct.ID
		s.Nom = acct.Nom
		s.Prenom = acct.Prenom
		s.Email = acct.Email
		s.Permission = acct.Permission
	})
	require.True(t, ok)
	require.NoError(t, f.st.RecordIPHistory(context.Background(), acct.Email, c.IP))
	return s
}

func (f *fixture) grant(t *testing.T, acct store.Account, room string) {
	t.Helper()
	_, err := f.st.GrantMembership(context.Background(), acct.ID, room)
	require.NoError(t, err)
}
