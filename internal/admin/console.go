// Package admin runs the operator console: an optional login, then a loop
// that reads moderation and room commands and answers room approval
// requests as they arrive.
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/chat"
)

const (
	commandPrompt = "[ADMIN] Entrez une commande : "
	syntaxError   = "Problème de syntaxe."

	defaultShutdownTimeout = 30 * time.Second
)

// Operator is the server surface the console drives. *chat.Server
// implements it.
type Operator interface {
	AdminLogin(ctx context.Context, email, password string) (bool, error)
	Approvals() <-chan *chat.ApprovalRequest
	Sessions() []chat.Session

	Ban(ctx context.Context, email string) (int, error)
	Unban(ctx context.Context, email string) (int64, error)
	Kick(ctx context.Context, email string, d time.Duration) (int, error)
	Unkick(ctx context.Context, email string) (int64, error)
	Grant(ctx context.Context, room, email string) (bool, error)
	Revoke(ctx context.Context, room, email string) (bool, error)

	Shutdown(ctx context.Context) error
}

var _ Operator = (*chat.Server)(nil)

type Console struct {
	op           Operator
	in           *bufio.Reader
	out          io.Writer
	logger       *slog.Logger
	requireLogin bool
	readPassword func() (string, error)

	shutdownTimeout time.Duration
}

type Option func(*Console)

// WithLogin makes Run ask for administrator credentials first.
func WithLogin(required bool) Option {
	return func(c *Console) { c.requireLogin = required }
}

// WithPasswordReader replaces the plain line read used for the password
// prompt, typically with a no-echo terminal read.
func WithPasswordReader(fn func() (string, error)) Option {
	return func(c *Console) { c.readPassword = fn }
}

// WithShutdownTimeout bounds the shutdown started by /kill. The shutdown
// runs on its own context so it is not cut short when Run's ctx ends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Console) { c.shutdownTimeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Console) { c.logger = logger }
}

func New(op Operator, in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		op:              op,
		in:              bufio.NewReader(in),
		out:             out,
		logger:          slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.readPassword == nil {
		c.readPassword = func() (string, error) { return readLine(c.in) }
	}
	return c
}

// Run serves the console until /kill, end of input, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	if c.requireLogin {
		done := make(chan error, 1)
		go func() { done <- c.login(ctx) }()
		select {
		case err := <-done:
			if errors.Is(err, io.EOF) {
				c.logger.Warn("console input closed before login")
				return nil
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}

	lines := make(chan string)
	go c.readLines(ctx, lines)
	return c.loop(ctx, lines)
}

func (c *Console) login(ctx context.Context) error {
	for {
		fmt.Fprint(c.out, "Email Administrateur: ")
		email, err := readLine(c.in)
		if err != nil {
			return err
		}
		fmt.Fprint(c.out, "Mot de passe: ")
		password, err := c.readPassword()
		if err != nil {
			return err
		}

		ok, err := c.op.AdminLogin(ctx, strings.TrimSpace(email), password)
		if err != nil {
			c.logger.Error("operator login failed", "error", err)
		}
		if ok {
			fmt.Fprintln(c.out, "Authentification réussie.")
			c.logger.Info("operator logged in", "email", email)
			return nil
		}
		fmt.Fprintln(c.out, "Échec de l'authentification.")
	}
}

func (c *Console) readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	for {
		line, err := readLine(c.in)
		if err != nil {
			return
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) loop(ctx context.Context, lines <-chan string) error {
	for {
		fmt.Fprint(c.out, commandPrompt)
		select {
		case <-ctx.Done():
			return nil

		case req := <-c.op.Approvals():
			fmt.Fprintf(c.out, "\nAccorder l'accès au salon %s à %s, %s ? [O/N] : ", req.Room, req.Addr, req.Email)
			select {
			case line, ok := <-lines:
				if !ok {
					req.Resolve(false)
					return nil
				}
				req.Resolve(strings.EqualFold(strings.TrimSpace(line), "O"))
			case <-ctx.Done():
				req.Resolve(false)
				return nil
			}

		case line, ok := <-lines:
			if !ok {
				c.logger.Info("console input closed")
				return nil
			}
			if c.execute(ctx, line) {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the console should stop.
func (c *Console) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "/kill":
		fmt.Fprintln(c.out, "Arrêt du serveur en cours...")
		sctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()
		if err := c.op.Shutdown(sctx); err != nil {
			c.logger.Error("shutdown failed", "error", err)
		}
		return true

	case "/ban":
		if len(fields) != 2 {
			break
		}
		email := fields[1]
		n, err := c.op.Ban(ctx, email)
		switch {
		case errors.Is(err, chat.ErrUnknownAccount):
			c.printf("Aucun client existant pour l'email %s !", email)
		case err != nil:
			c.fail("/ban", err)
		default:
			c.printf("%s a été banni. (%d session(s) fermée(s))", email, n)
		}
		return false

	case "/unban":
		if len(fields) != 2 {
			break
		}
		email := fields[1]
		n, err := c.op.Unban(ctx, email)
		switch {
		case err != nil:
			c.fail("/unban", err)
		case n == 0:
			c.printf("Aucune sanction BAN existante pour l'email %s", email)
		default:
			c.printf("%s a été débanni.", email)
		}
		return false

	case "/kick":
		if len(fields) != 3 {
			break
		}
		email := fields[1]
		minutes, err := strconv.Atoi(fields[2])
		if err != nil || minutes <= 0 {
			break
		}
		n, err := c.op.Kick(ctx, email, time.Duration(minutes)*time.Minute)
		switch {
		case errors.Is(err, chat.ErrUnknownAccount):
			c.printf("Aucun client existant pour l'email %s !", email)
		case err != nil:
			c.fail("/kick", err)
		default:
			c.printf("%s a été exclu temporairement pour %d minutes. (%d session(s) fermée(s))", email, minutes, n)
		}
		return false

	case "/unkick":
		if len(fields) != 2 {
			break
		}
		email := fields[1]
		n, err := c.op.Unkick(ctx, email)
		switch {
		case err != nil:
			c.fail("/unkick", err)
		case n == 0:
			c.printf("Aucune sanction KICK existante pour l'email %s.", email)
		default:
			c.printf("Le kick sur %s a été révoqué.", email)
		}
		return false

	case "/grant":
		if len(fields) != 3 {
			break
		}
		room, email := fields[1], fields[2]
		created, err := c.op.Grant(ctx, room, email)
		switch {
		case errors.Is(err, chat.ErrUnknownRoom), errors.Is(err, chat.ErrUnknownAccount):
			c.printf("Salon ou client introuvable.")
		case err != nil:
			c.fail("/grant", err)
		case created:
			c.printf("%s a été ajouté au salon %s.", email, room)
		default:
			c.printf("%s est déjà membre de %s.", email, room)
		}
		return false

	case "/revoke":
		if len(fields) != 3 {
			break
		}
		room, email := fields[1], fields[2]
		removed, err := c.op.Revoke(ctx, room, email)
		switch {
		case errors.Is(err, chat.ErrUnknownRoom), errors.Is(err, chat.ErrUnknownAccount):
			c.printf("Salon ou client introuvable.")
		case err != nil:
			c.fail("/revoke", err)
		case removed:
			c.printf("%s a été retiré du salon %s.", email, room)
		default:
			c.printf("%s n'est pas membre du salon %s.", email, room)
		}
		return false

	case "/who":
		sessions := c.op.Sessions()
		if len(sessions) == 0 {
			c.printf("Aucun client connecté.")
			return false
		}
		for _, s := range sessions {
			who := "(non authentifié)"
			if s.Authenticated {
				who = s.Email
			}
			c.printf("%s %s", s.ID, who)
		}
		return false

	default:
		c.printf("Commande non reconnue : %s", strings.TrimSpace(line))
		return false
	}

	c.printf(syntaxError)
	return false
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, "\n"+format+"\n", args...)
}

func (c *Console) fail(cmd string, err error) {
	c.logger.Error("operator command failed", "command", cmd, "error", err)
	c.printf("Erreur : %v", err)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == nil {
		return strings.TrimRight(line, "\r\n"), nil
	}
	if err == io.EOF && line != "" {
		return strings.TrimRight(line, "\r\n"), nil
	}
	return "", err
}
