package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/protocol"
	"github.com/andy6609/multiroom-chat-server/internal/store"
)

const readBufferSize = 1024

// handleConnection runs the read loop of one registered client until the
// peer goes away or the session is disconnected.
func (s *Server) handleConnection(ctx context.Context, c *Client) {
	defer func() {
		if _, ok := s.reg.Unregister(c.ID); !ok {
			c.close()
		}
		_ = c.Conn.Close()
	}()

	StartOutboundWriter(c)

	var framer protocol.Framer
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.Conn.Read(buf)
		if n > 0 {
			lines, ferr := framer.Feed(buf[:n])
			for _, line := range lines {
				s.dispatch(ctx, c, line)
			}
			if ferr != nil {
				s.logger.Warn("dropping oversized line", "addr", c.ID, "error", ferr)
				c.Send(string(protocol.ProtocolError))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection closed", "addr", c.ID)
			} else {
				s.logger.Warn("read failed", "addr", c.ID, "error", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *Client, line string) {
	start := time.Now()
	req, err := protocol.Decode(line)
	if err != nil {
		MessagesTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn("protocol error", "addr", c.ID, "error", err)
		c.Send(string(protocol.ProtocolError))
		return
	}
	cmd := req.Command()
	s.logger.Debug("request", "addr", c.ID, "type", cmd)

	if reply := s.serve(ctx, c, req); reply != "" {
		c.Send(string(reply))
	}
	MessagesTotal.WithLabelValues(cmd).Inc()
	EventProcessingDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
}

// serve executes one request and returns the direct reply, if any.
func (s *Server) serve(ctx context.Context, c *Client, req protocol.Request) protocol.Reply {
	switch r := req.(type) {
	case protocol.Authenticate:
		return s.authenticate(ctx, c, r)
	case protocol.Register:
		return s.register(ctx, r)
	case protocol.FreeText:
		return protocol.Ack(c.IP, r.Text)
	}

	sess, ok := s.reg.Session(c.ID)
	if !ok || !sess.Authenticated {
		return protocol.NotAuthenticated
	}

	switch r := req.(type) {
	case protocol.AllowedRooms:
		rooms, err := s.gw.AllowedRooms(ctx, sess.AccountID)
		if err != nil {
			s.logger.Error("allowed rooms failed", "email", sess.Email, "error", err)
			return protocol.AllowedRoomsError
		}
		return protocol.AllowedRoomsList(rooms)

	case protocol.RoomMembers:
		return s.roomMembers(ctx)

	case protocol.PublicHistory:
		return s.publicHistory(ctx)

	case protocol.PrivateHistory:
		return s.privateHistory(ctx, sess.Email)

	case protocol.RoomAccess:
		out, err := s.access.Request(ctx, sess, r.Room)
		switch {
		case errors.Is(err, ErrUnknownRoom):
			return protocol.UnknownRoom
		case err != nil:
			s.logger.Error("room access failed", "room", r.Room, "email", sess.Email, "error", err)
			return protocol.AccessDenied(r.Room)
		}
		switch out {
		case AccessGranted:
			return protocol.AccessGranted(r.Room)
		case AccessAlreadyGranted:
			return protocol.AccessAlreadyGranted(r.Room)
		default:
			return protocol.AccessDenied(r.Room)
		}

	case protocol.PublicMessage:
		_, err := s.router.PublishPublic(ctx, sess, r.Room, r.Content)
		switch {
		case errors.Is(err, ErrUnknownRoom):
			return protocol.UnknownRoom
		case errors.Is(err, ErrNotMember):
			return protocol.AccessDenied(r.Room)
		case err != nil:
			s.logger.Error("public message failed", "room", r.Room, "email", sess.Email, "error", err)
		}
		return ""

	case protocol.PrivateMessage:
		if _, err := s.router.SendPrivate(ctx, sess, r.Recipient, r.Content); err != nil {
			s.logger.Warn("private message failed", "email", sess.Email, "recipient", r.Recipient, "error", err)
		}
		return ""
	}
	return protocol.ProtocolError
}

func (s *Server) authenticate(ctx context.Context, c *Client, r protocol.Authenticate) protocol.Reply {
	status, err := s.moderator.Check(ctx, r.Email)
	if err != nil {
		s.logger.Error("sanction check failed", "email", r.Email, "error", err)
		return protocol.AuthFailure
	}
	switch status {
	case store.StatusBan:
		s.logger.Info("banned login refused", "addr", c.ID, "email", r.Email)
		return protocol.Banned
	case store.StatusKick:
		s.logger.Info("kicked login refused", "addr", c.ID, "email", r.Email)
		return protocol.Kicked
	}

	acct, ok, err := s.gw.Authenticate(ctx, r.Email, r.Password)
	if err != nil {
		s.logger.Error("authentication failed", "email", r.Email, "error", err)
		return protocol.AuthFailure
	}
	if !ok {
		return protocol.AuthFailure
	}

	if _, ok := s.reg.Update(c.ID, func(sess *Session) {
		sess.Authenticated = true
		sess.AccountID = acct.ID
		sess.Nom = acct.Nom
		sess.Prenom = acct.Prenom
		sess.Email = acct.Email
		sess.Permission = acct.Permission
	}); !ok {
		return protocol.AuthFailure
	}
	if err := s.gw.RecordIPHistory(ctx, acct.Email, c.IP); err != nil {
		s.logger.Warn("ip history not recorded", "email", acct.Email, "error", err)
	}
	s.logger.Info("client authenticated", "addr", c.ID, "email", acct.Email)
	return protocol.AuthSuccess
}

func (s *Server) register(ctx context.Context, r protocol.Register) protocol.Reply {
	perm, ok := store.ParsePermission(r.Role)
	if !ok || r.Email == "" || r.Password == "" {
		return protocol.RegisterFailure
	}
	status, err := s.moderator.Check(ctx, r.Email)
	if err != nil {
		s.logger.Error("sanction check failed", "email", r.Email, "error", err)
		return protocol.RegisterFailure
	}
	switch status {
	case store.StatusBan:
		return protocol.Banned
	case store.StatusKick:
		return protocol.Kicked
	}

	if _, err := s.gw.Register(ctx, r.Nom, r.Prenom, r.Email, r.Password, perm); err != nil {
		if !errors.Is(err, store.ErrDuplicateEmail) {
			s.logger.Error("registration failed", "email", r.Email, "error", err)
		}
		return protocol.RegisterFailure
	}
	s.logger.Info("account registered", "email", r.Email, "permission", perm)
	return protocol.RegisterSuccess
}

func (s *Server) roomMembers(ctx context.Context) protocol.Reply {
	groups, err := s.gw.MembersByRoom(ctx)
	if err != nil {
		s.logger.Error("members by room failed", "error", err)
		return protocol.MembersError
	}
	pairs := make([]protocol.Pair, 0, len(groups))
	for _, g := range groups {
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			members = append(members, m.Nom+" "+m.Prenom+":"+m.Email)
		}
		pairs = append(pairs, protocol.Pair{g.Room, strings.Join(members, ",")})
	}
	reply, err := protocol.MembersList(pairs)
	if err != nil {
		s.logger.Error("encode members failed", "error", err)
		return protocol.MembersError
	}
	return reply
}

func (s *Server) publicHistory(ctx context.Context) protocol.Reply {
	entries, err := s.gw.PublicHistory(ctx)
	if err != nil {
		s.logger.Error("public history failed", "error", err)
		return protocol.PublicHistoryError
	}
	pairs := make([]protocol.Pair, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, protocol.Pair{e.Room, e.Content})
	}
	reply, err := protocol.PublicHistoryList(pairs)
	if err != nil {
		return protocol.PublicHistoryError
	}
	return reply
}

func (s *Server) privateHistory(ctx context.Context, email string) protocol.Reply {
	entries, err := s.gw.PrivateHistory(ctx, email)
	if err != nil {
		s.logger.Error("private history failed", "email", email, "error", err)
		return protocol.PrivateHistoryError
	}
	pairs := make([]protocol.Pair, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, protocol.Pair{e.Content, e.At.Format(TimestampLayout)})
	}
	reply, err := protocol.PrivateHistoryList(pairs)
	if err != nil {
		return protocol.PrivateHistoryError
	}
	return reply
}
