package chat

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/andy6609/multiroom-chat-server/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith lets a test wrap the store before the server sees it.
func newTestServerWith(t *testing.T, wrap func(*store.Store) Gateway) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", store.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	var gw Gateway = st
	if wrap != nil {
		gw = wrap(st)
	}
	srv := NewServer(Config{
		Addr:       "127.0.0.1:0",
		AcceptPoll: 20 * time.Millisecond,
		SendBuffer: 64,
	}, gw, nil)
	require.NoError(t, srv.Start())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background()) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-serveErr
		st.Close()
	})
	return srv, st
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) write(s string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(s))
	require.NoError(c.t, err)
}

func (c *testConn) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSuffix(line, "\n")
}

// roundTrip sends one command line and returns the first reply.
func (c *testConn) roundTrip(line string) string {
	c.t.Helper()
	c.write(line + "\n")
	return c.readLine()
}

func TestServer_RegisterLoginAllowedRooms(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	// registration arrives in two reads
	c.write("[PROTOCOLE]INSCRIPTION:Doe,Jo")
	time.Sleep(20 * time.Millisecond)
	c.write("hn,j@d.fr,pw,utilisateur\n")
	assert.Equal(t, "SUCCES_INSCRIPTION", c.readLine())

	assert.Equal(t, "ECHEC_INSCRIPTION", c.roundTrip("[PROTOCOLE]INSCRIPTION:Doe,John,j@d.fr,pw,utilisateur"))
	assert.Equal(t, "ECHEC_INSCRIPTION", c.roundTrip("[PROTOCOLE]INSCRIPTION:A,B,x@d.fr,pw,chef"))

	assert.Equal(t, "ECHEC_AUTHENTIFICATION", c.roundTrip("[PROTOCOLE]AUTHENTIFICATION:j@d.fr,bad"))

	// two commands in one write
	c.write("[PROTOCOLE]AUTHENTIFICATION:j@d.fr,pw\n[PROTOCOLE]VERIFICATION_SALONS_AUTORISES:\n")
	assert.Equal(t, "SUCCES_AUTHENTIFICATION", c.readLine())
	assert.Equal(t, "[PROTOCOLE]LISTE_SALONS_AUTORISES:General", c.readLine())

	assert.Equal(t, "[PROTOCOLE]ACCES_ACCORDE:Blabla", c.roundTrip("[PROTOCOLE]ACCES_SALON:Blabla"))
	assert.Equal(t, "[PROTOCOLE]ACCES_DEJA_ACCORDE:General", c.roundTrip("[PROTOCOLE]ACCES_SALON:General"))
	assert.Equal(t, "[PROTOCOLE]SALON_INCONNU", c.roundTrip("[PROTOCOLE]ACCES_SALON:Cuisine"))

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Authenticated)
	assert.Equal(t, "j@d.fr", sessions[0].Email)
}

func TestServer_ProtocolErrorsKeepConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	assert.Equal(t, "[PROTOCOLE]NON_AUTHENTIFIE", c.roundTrip("[PROTOCOLE]VERIFICATION_SALONS_AUTORISES:"))
	assert.Equal(t, "[PROTOCOLE]ERREUR_PROTOCOLE", c.roundTrip("[PROTOCOLE]INSCRIPTION:only,three,fields"))
	assert.Equal(t, "[PROTOCOLE]ERREUR_PROTOCOLE", c.roundTrip("[PROTOCOLE]DANSE:"))
	assert.Equal(t, "Message reçu, client 127.0.0.1 : bonjour", c.roundTrip("bonjour"))
}

func TestServer_BanCheckedBeforePassword(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	_, err := st.Register(ctx, "Bad", "Eve", "eve@d.fr", "pw", store.PermissionStandard)
	require.NoError(t, err)
	_, err = srv.Ban(ctx, "eve@d.fr")
	require.NoError(t, err)

	c := dial(t, srv)
	assert.Equal(t, "BAN_CLIENT", c.roundTrip("[PROTOCOLE]AUTHENTIFICATION:eve@d.fr,wrong"))
	assert.Equal(t, "BAN_CLIENT", c.roundTrip("[PROTOCOLE]INSCRIPTION:Bad,Eve,eve@d.fr,pw,utilisateur"))

	_, err = srv.Unban(ctx, "eve@d.fr")
	require.NoError(t, err)
	_, err = srv.Kick(ctx, "eve@d.fr", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "KICK_CLIENT", c.roundTrip("[PROTOCOLE]AUTHENTIFICATION:eve@d.fr,pw"))
}

func TestServer_PublicFanOutAndHistory(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	for _, email := range []string{"a@d.fr", "b@d.fr"} {
		_, err := st.Register(ctx, "Doe", "John", email, "pw", store.PermissionStandard)
		require.NoError(t, err)
	}

	a := dial(t, srv)
	b := dial(t, srv)
	require.Equal(t, "SUCCES_AUTHENTIFICATION", a.roundTrip("[PROTOCOLE]AUTHENTIFICATION:a@d.fr,pw"))
	require.Equal(t, "SUCCES_AUTHENTIFICATION", b.roundTrip("[PROTOCOLE]AUTHENTIFICATION:b@d.fr,pw"))

	a.write("[PROTOCOLE]DISCUSSION_PUBLIQUE:General:bonjour: à tous\n")
	for _, c := range []*testConn{a, b} {
		line := c.readLine()
		assert.True(t, strings.HasPrefix(line, "[PROTOCOLE]MESSAGE_CHAT:General:["), line)
		assert.True(t, strings.HasSuffix(line, "] Doe/John : bonjour: à tous"), line)
	}

	assert.Equal(t, `[PROTOCOLE]LISTE_MESSAGES_PUBLICS:[["General","bonjour: à tous"]]`,
		b.roundTrip("[PROTOCOLE]REQUETE_HISTORIQUE_SALONS_PUBLICS:"))
	assert.Equal(t, `[PROTOCOLE]LISTE_MEMBRES_SALONS_PUBLICS:[["General","Doe John:a@d.fr,Doe John:b@d.fr"]]`,
		b.roundTrip("[PROTOCOLE]REQUETE_MEMBRES_SALONS_PUBLICS:"))

	b.write("[PROTOCOLE]DISCUSSION_PRIVEE:a@d.fr:psst\n")
	assert.Equal(t, "[PROTOCOLE]NOUVEAU_MESSAGE_PRIVE:b@d.fr:[MP de b@d.fr] psst", a.readLine())
	line := a.roundTrip("[PROTOCOLE]REQUETE_HISTORIQUE_SALONS_PRIVES:")
	assert.True(t, strings.HasPrefix(line, `[PROTOCOLE]LISTE_MESSAGES_PRIVES:[["psst","`), line)
}

func TestServer_ApprovalFlowOverTheWire(t *testing.T) {
	srv, st := newTestServer(t)
	_, err := st.Register(context.Background(), "Doe", "John", "j@d.fr", "pw", store.PermissionStandard)
	require.NoError(t, err)

	c := dial(t, srv)
	require.Equal(t, "SUCCES_AUTHENTIFICATION", c.roundTrip("[PROTOCOLE]AUTHENTIFICATION:j@d.fr,pw"))
	c.write("[PROTOCOLE]ACCES_SALON:Informatique\n")

	select {
	case req := <-srv.Approvals():
		assert.Equal(t, "Informatique", req.Room)
		assert.Equal(t, "127.0.0.1", req.Addr)
		req.Resolve(true)
	case <-time.After(2 * time.Second):
		t.Fatal("no approval request reached the operator")
	}
	assert.Equal(t, "[PROTOCOLE]ACCES_ACCORDE:Informatique", c.readLine())
}

func TestServer_PeerDisconnectRemovesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	c.roundTrip("ping")
	require.Len(t, srv.Sessions(), 1)

	c.conn.Close()
	assert.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownNotifiesAndCloses(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	c.roundTrip("ping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.Equal(t, "[PROTOCOLE]ARRET_SERVEUR:", c.readLine())
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.Error(t, err, "connection should be closed after shutdown")

	assert.ErrorIs(t, srv.Shutdown(ctx), ErrShuttingDown)
	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

type roomsUnavailableStore struct {
	*store.Store
}

func (roomsUnavailableStore) AllowedRooms(context.Context, int64) ([]string, error) {
	return nil, errDiskFull
}

func TestServer_AllowedRoomsStoreFailure(t *testing.T) {
	srv, _ := newTestServerWith(t, func(st *store.Store) Gateway { return roomsUnavailableStore{st} })
	c := dial(t, srv)

	assert.Equal(t, "SUCCES_INSCRIPTION", c.roundTrip("[PROTOCOLE]INSCRIPTION:Doe,John,j@d.fr,pw,utilisateur"))
	assert.Equal(t, "SUCCES_AUTHENTIFICATION", c.roundTrip("[PROTOCOLE]AUTHENTIFICATION:j@d.fr,pw"))
	assert.Equal(t, "[PROTOCOLE]ERREUR_SALONS_AUTORISES", c.roundTrip("[PROTOCOLE]VERIFICATION_SALONS_AUTORISES:"))

	// the session survives the failure
	assert.Equal(t, "[PROTOCOLE]ACCES_DEJA_ACCORDE:General", c.roundTrip("[PROTOCOLE]ACCES_SALON:General"))
}

// lateListener hands out one connection only once shutdown has begun,
// as a real Accept that was already blocked might.
type lateListener struct {
	srv     *Server
	entered chan struct{}
	peer    chan net.Conn

	acceptOnce sync.Once
	closeOnce  sync.Once
	closed     chan struct{}
}

func newLateListener(srv *Server) *lateListener {
	return &lateListener{
		srv:     srv,
		entered: make(chan struct{}),
		peer:    make(chan net.Conn, 1),
		closed:  make(chan struct{}),
	}
}

func (l *lateListener) Accept() (net.Conn, error) {
	var conn net.Conn
	l.acceptOnce.Do(func() {
		close(l.entered)
		for !l.srv.shuttingDown.Load() {
			time.Sleep(time.Millisecond)
		}
		server, client := net.Pipe()
		l.peer <- client
		conn = server
	})
	if conn != nil {
		return conn, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *lateListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *lateListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServer_ShutdownClosesLateAcceptedConnection(t *testing.T) {
	st, err := store.Open(":memory:", store.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := NewServer(Config{AcceptPoll: 20 * time.Millisecond, SendBuffer: 8}, st, nil)
	ln := newLateListener(srv)
	srv.listener = ln
	go srv.reg.Run()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background()) }()

	select {
	case <-ln.entered:
	case <-time.After(time.Second):
		t.Fatal("acceptor never called Accept")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	var late net.Conn
	select {
	case late = <-ln.peer:
	case <-time.After(time.Second):
		t.Fatal("late connection never handed out")
	}
	defer late.Close()

	require.NoError(t, late.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = late.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "late connection must be closed, not left open")
	assert.NoError(t, <-serveErr)
}
