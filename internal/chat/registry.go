package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry owns the live sessions. Both maps are only touched by the Run
// goroutine; callers get copies back through reply channels.
type Registry struct {
	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	sessions := make(map[string]*Session)
	clients := make(map[string]*Client)

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			res := r.handle(sessions, clients, ev)
			if ev.ReplyChan != nil {
				ev.ReplyChan <- res
			}
			switch ev.Type {
			case EventRegister, EventUnregister, EventDisconnect, EventCloseAll:
				ConnectedClients.Set(float64(len(sessions)))
			}
			EventProcessingDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handle(sessions map[string]*Session, clients map[string]*Client, ev Event) result {
	switch ev.Type {
	case EventRegister:
		c := ev.Client
		if _, exists := sessions[c.ID]; exists {
			return result{err: ErrDuplicateClient}
		}
		sessions[c.ID] = &Session{ID: c.ID, IP: c.IP, ConnectedAt: time.Now()}
		clients[c.ID] = c
		r.logger.Info("client connected", "addr", c.ID)
		return result{ok: true}

	case EventUnregister:
		s, ok := sessions[ev.ID]
		if !ok {
			return result{}
		}
		r.remove(sessions, clients, ev.ID)
		r.logger.Info("client left", "addr", ev.ID, "email", s.Email)
		return result{session: *s, ok: true}

	case EventUpdate:
		s, ok := sessions[ev.ID]
		if !ok {
			return result{}
		}
		ev.Mutate(s)
		return result{session: *s, ok: true}

	case EventLookup:
		s, ok := sessions[ev.ID]
		if !ok {
			return result{}
		}
		return result{session: *s, ok: true}

	case EventSnapshot:
		entries := make([]Entry, 0, len(sessions))
		for id, s := range sessions {
			entries = append(entries, Entry{Session: *s, Client: clients[id]})
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Session.ConnectedAt.Before(entries[j].Session.ConnectedAt)
		})
		return result{entries: entries}

	case EventFindByEmail:
		var ids []string
		for id, s := range sessions {
			if s.Authenticated && s.Email == ev.Email {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return result{ids: ids}

	case EventDisconnect:
		var gone []Session
		for id, s := range sessions {
			if !ev.Match(*s) {
				continue
			}
			if ev.Notice != "" {
				clients[id].Send(ev.Notice)
			}
			gone = append(gone, *s)
			r.remove(sessions, clients, id)
			r.logger.Info("client disconnected", "addr", id, "email", s.Email)
		}
		return result{sessions: gone}

	case EventCloseAll:
		gone := make([]Session, 0, len(sessions))
		for id, s := range sessions {
			gone = append(gone, *s)
			r.remove(sessions, clients, id)
		}
		return result{sessions: gone}
	}
	return result{}
}

// remove drops id from both maps in the same step and closes the client's
// queue; its writer flushes what is left and then closes the socket.
func (r *Registry) remove(sessions map[string]*Session, clients map[string]*Client, id string) {
	if c, ok := clients[id]; ok {
		c.close()
	}
	delete(sessions, id)
	delete(clients, id)
}

func (r *Registry) submit(ev Event) (result, error) {
	ev.ReplyChan = make(chan result, 1)
	select {
	case r.events <- ev:
	case <-r.stopCh:
		return result{}, ErrRegistryStopped
	}
	select {
	case res := <-ev.ReplyChan:
		return res, nil
	case <-r.doneCh:
		select {
		case res := <-ev.ReplyChan:
			return res, nil
		default:
			return result{}, ErrRegistryStopped
		}
	}
}

// Register adds an unauthenticated session for c.
func (r *Registry) Register(c *Client) error {
	res, err := r.submit(Event{Type: EventRegister, Client: c})
	if err != nil {
		return err
	}
	return res.err
}

// Unregister removes the session and closes its outbound queue. It reports
// whether the session was still registered.
func (r *Registry) Unregister(id string) (Session, bool) {
	res, err := r.submit(Event{Type: EventUnregister, ID: id})
	if err != nil {
		return Session{}, false
	}
	return res.session, res.ok
}

// Update applies fn to the live session and returns the updated copy.
func (r *Registry) Update(id string, fn func(*Session)) (Session, bool) {
	res, err := r.submit(Event{Type: EventUpdate, ID: id, Mutate: fn})
	if err != nil {
		return Session{}, false
	}
	return res.session, res.ok
}

func (r *Registry) Session(id string) (Session, bool) {
	res, err := r.submit(Event{Type: EventLookup, ID: id})
	if err != nil {
		return Session{}, false
	}
	return res.session, res.ok
}

// Snapshot copies every live session, oldest connection first.
func (r *Registry) Snapshot() []Entry {
	res, err := r.submit(Event{Type: EventSnapshot})
	if err != nil {
		return nil
	}
	return res.entries
}

// FindByEmail returns the connection ids authenticated as email.
func (r *Registry) FindByEmail(email string) []string {
	res, err := r.submit(Event{Type: EventFindByEmail, Email: email})
	if err != nil {
		return nil
	}
	return res.ids
}

// Disconnect removes every session matched by match, queueing notice to
// each first when it is non-empty.
func (r *Registry) Disconnect(match func(Session) bool, notice string) []Session {
	res, err := r.submit(Event{Type: EventDisconnect, Match: match, Notice: notice})
	if err != nil {
		return nil
	}
	return res.sessions
}

// CloseAll removes every session.
func (r *Registry) CloseAll() []Session {
	res, err := r.submit(Event{Type: EventCloseAll})
	if err != nil {
		return nil
	}
	return res.sessions
}
