package chat

import (
	"net"
	"sync"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/store"
)

// SendTimeout bounds how long a line may wait for room in a client's
// outbound buffer before it is dropped.
const SendTimeout = 50 * time.Millisecond

// Client is the transport side of one connection: the socket and the
// outbound queue drained by its writer goroutine.
type Client struct {
	ID   string // remote address, unique per live connection
	IP   string
	Conn net.Conn
	Out  chan string // outbound lines, written by the writer goroutine

	mu     sync.Mutex
	closed bool
}

func NewClient(conn net.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	id := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(id)
	if err != nil {
		ip = id
	}
	return &Client{
		ID:   id,
		IP:   ip,
		Conn: conn,
		Out:  make(chan string, buffer),
	}
}

// Send queues line for the writer. It reports false when the client is
// closed or stayed full for SendTimeout.
func (c *Client) Send(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Out <- line:
		return true
	default:
	}
	t := time.NewTimer(SendTimeout)
	defer t.Stop()
	select {
	case c.Out <- line:
		return true
	case <-t.C:
		return false
	}
}

// close stops the writer once it has drained the queue. Safe to call twice.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Out)
}

// Session is the per-connection state. The registry owns it; everyone else
// works on copies.
type Session struct {
	ID            string
	IP            string
	ConnectedAt   time.Time
	Authenticated bool
	AccountID     int64
	Nom           string
	Prenom        string
	Email         string
	Permission    store.Permission
}

// DisplayName is the author label used in formatted chat lines.
func (s Session) DisplayName() string {
	return s.Nom + "/" + s.Prenom
}

// Entry pairs a session copy with its client for snapshot iteration.
type Entry struct {
	Session Session
	Client  *Client
}

type EventType int

const (
	EventRegister EventType = iota
	EventUnregister
	EventUpdate
	EventLookup
	EventSnapshot
	EventFindByEmail
	EventDisconnect
	EventCloseAll
)

func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventUpdate:
		return "update"
	case EventLookup:
		return "lookup"
	case EventSnapshot:
		return "snapshot"
	case EventFindByEmail:
		return "find_by_email"
	case EventDisconnect:
		return "disconnect"
	case EventCloseAll:
		return "close_all"
	}
	return "unknown"
}

type Event struct {
	Type      EventType
	Client    *Client
	ID        string
	Email     string
	Notice    string
	Mutate    func(*Session)
	Match     func(Session) bool
	ReplyChan chan result
}

type result struct {
	session  Session
	ok       bool
	entries  []Entry
	sessions []Session
	ids      []string
	err      error
}

var (
	ErrRegistryStopped = errorString("registry_stopped")
	ErrDuplicateClient = errorString("duplicate_client")
	ErrUnknownRoom     = errorString("unknown_room")
	ErrNotMember       = errorString("not_member")
	ErrInvalidDuration = errorString("invalid_duration")
	ErrUnknownAccount  = errorString("unknown_account")
	ErrShuttingDown    = errorString("shutting_down")
	ErrNotStarted      = errorString("server_not_started")
)

type errorString string

func (e errorString) Error() string { return string(e) }
