// Package store is the persistence gateway: accounts, memberships,
// sanctions, IP history, private rooms and messages, kept in SQLite.
//
// The database is opened with a single connection, so every logical
// operation (including the check-then-act ones such as grant-if-not-member)
// runs serialized against the others.
//
// Migrations are an ordered list applied once each and recorded in
// schema_migrations. Append new entries; never edit existing ones.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound       = errorString("not found")
	ErrDuplicateEmail = errorString("email already registered")
	ErrUnknownRoom    = errorString("unknown room")
)

type errorString string

func (e errorString) Error() string { return string(e) }

var migrations = []string{
	// v1 accounts
	`CREATE TABLE IF NOT EXISTS accounts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		nom        TEXT NOT NULL,
		prenom     TEXT NOT NULL,
		email      TEXT NOT NULL UNIQUE,
		password   TEXT NOT NULL,
		permission TEXT NOT NULL DEFAULT 'utilisateur'
	)`,
	// v2 public rooms
	`CREATE TABLE IF NOT EXISTS public_rooms (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`INSERT OR IGNORE INTO public_rooms(name) VALUES
		('General'), ('Blabla'), ('Comptabilite'), ('Informatique'), ('Marketing')`,
	// v4 memberships
	`CREATE TABLE IF NOT EXISTS memberships (
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		room_id    INTEGER NOT NULL REFERENCES public_rooms(id),
		UNIQUE(account_id, room_id)
	)`,
	// v5 private rooms, participants stored in sorted order
	`CREATE TABLE IF NOT EXISTS private_rooms (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		email_a TEXT NOT NULL,
		email_b TEXT NOT NULL,
		UNIQUE(email_a, email_b)
	)`,
	// v6 messages
	`CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id      INTEGER NOT NULL REFERENCES accounts(id),
		content         TEXT NOT NULL,
		created_at_ms   INTEGER NOT NULL,
		public_room_id  INTEGER REFERENCES public_rooms(id),
		private_room_id INTEGER REFERENCES private_rooms(id),
		CHECK ((public_room_id IS NULL) <> (private_room_id IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at_ms)`,
	// v8 sanctions
	`CREATE TABLE IF NOT EXISTS sanctions (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		type             TEXT NOT NULL CHECK (type IN ('ban', 'kick')),
		email            TEXT NOT NULL,
		ip               TEXT,
		duration_minutes INTEGER,
		motif            TEXT NOT NULL DEFAULT '',
		created_at_ms    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sanctions_email ON sanctions(email, type)`,
	// v10 ip history
	`CREATE TABLE IF NOT EXISTS ip_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		email      TEXT NOT NULL,
		ip         TEXT NOT NULL,
		seen_at_ms INTEGER NOT NULL,
		UNIQUE(email, ip)
	)`,
}

type Store struct {
	db         *sql.DB
	bcryptCost int
	logger     *slog.Logger
}

type Option func(*Store)

// WithBcryptCost overrides the password hashing cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.bcryptCost = cost }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, bcryptCost: bcrypt.DefaultCost, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.logger.Debug("applied migration", "version", v)
	}
	return nil
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Accounts

// Authenticate returns the account when email and password match. ok is
// false for an unknown email or a wrong password.
func (s *Store) Authenticate(ctx context.Context, email, password string) (Account, bool, error) {
	var (
		a    Account
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nom, prenom, email, password, permission FROM accounts WHERE email = ?`, email,
	).Scan(&a.ID, &a.Nom, &a.Prenom, &a.Email, &hash, &a.Permission)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("authenticate %s: %w", email, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Account{}, false, nil
	}
	return a, true, nil
}

// Register creates an account and its General membership in one transaction.
func (s *Store) Register(ctx context.Context, nom, prenom, email, password string, perm Permission) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE email = ?`, email).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateEmail
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (nom, prenom, email, password, permission) VALUES (?, ?, ?, ?, ?)`,
			nom, prenom, email, string(hashed), string(perm),
		)
		if err != nil {
			var se sqlite3.Error
			if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
				return ErrDuplicateEmail
			}
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO memberships (account_id, room_id) SELECT ?, id FROM public_rooms WHERE name = ?`,
			id, RoomGeneral,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("room %s missing: %w", RoomGeneral, ErrUnknownRoom)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", email, err)
	}
	return id, nil
}

func (s *Store) AccountByEmail(ctx context.Context, email string) (Account, error) {
	return s.account(ctx, `WHERE email = ?`, email)
}

func (s *Store) account(ctx context.Context, where string, arg any) (Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, nom, prenom, email, permission FROM accounts `+where, arg,
	).Scan(&a.ID, &a.Nom, &a.Prenom, &a.Email, &a.Permission)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

// Sanctions

// Sanctions returns every sanction row recorded for email, oldest first.
func (s *Store) Sanctions(ctx context.Context, email string) ([]Sanction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, email, COALESCE(ip, ''), COALESCE(duration_minutes, 0), motif, created_at_ms
		FROM sanctions WHERE email = ? ORDER BY id`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sanction
	for rows.Next() {
		var (
			sa      Sanction
			minutes int64
			created int64
		)
		if err := rows.Scan(&sa.Kind, &sa.Email, &sa.IP, &minutes, &sa.Motif, &created); err != nil {
			return nil, err
		}
		sa.Duration = time.Duration(minutes) * time.Minute
		sa.IssuedAt = time.UnixMilli(created)
		out = append(out, sa)
	}
	return out, rows.Err()
}

// SanctionStatus evaluates the sanctions of email at now. Any ban row wins;
// otherwise any kick whose window has not elapsed. Expired kicks stay in
// the table.
func (s *Store) SanctionStatus(ctx context.Context, email string, now time.Time) (Status, error) {
	list, err := s.Sanctions(ctx, email)
	if err != nil {
		return StatusNone, fmt.Errorf("sanctions for %s: %w", email, err)
	}
	status := StatusNone
	for _, sa := range list {
		if !sa.Active(now) {
			continue
		}
		if sa.Kind == SanctionBan {
			return StatusBan, nil
		}
		status = StatusKick
	}
	return status, nil
}

// InsertSanction records sa for an existing account, attaching the most
// recently seen IP of that email. It returns ErrNotFound when no account
// uses the email. sa.IP, when set, takes precedence over the history.
func (s *Store) InsertSanction(ctx context.Context, sa Sanction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE email = ?`, sa.Email).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		var ip sql.NullString
		if sa.IP != "" {
			ip = sql.NullString{String: sa.IP, Valid: true}
		} else {
			err := tx.QueryRowContext(ctx,
				`SELECT ip FROM ip_history WHERE email = ? ORDER BY seen_at_ms DESC, id DESC LIMIT 1`, sa.Email,
			).Scan(&ip)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var minutes sql.NullInt64
		if sa.Kind == SanctionKick {
			minutes = sql.NullInt64{Int64: int64(sa.Duration / time.Minute), Valid: true}
		}
		issued := sa.IssuedAt
		if issued.IsZero() {
			issued = time.Now()
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO sanctions (type, email, ip, duration_minutes, motif, created_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(sa.Kind), sa.Email, ip, minutes, sa.Motif, issued.UnixMilli(),
		)
		return err
	})
}

// DeleteSanctions removes every sanction of kind for email and reports how
// many rows went away.
func (s *Store) DeleteSanctions(ctx context.Context, kind SanctionKind, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sanctions WHERE type = ? AND email = ?`, string(kind), email)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Memberships

// GrantMembership makes accountID a member of room. created is false when
// the membership already existed.
func (s *Store) GrantMembership(ctx context.Context, accountID int64, room string) (created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		roomID, err := roomIDTx(ctx, tx, room)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memberships (account_id, room_id) VALUES (?, ?)`, accountID, roomID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n == 1
		return err
	})
	return created, err
}

// RevokeMembership removes the membership. removed is false when there was none.
func (s *Store) RevokeMembership(ctx context.Context, accountID int64, room string) (removed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		roomID, err := roomIDTx(ctx, tx, room)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM memberships WHERE account_id = ? AND room_id = ?`, accountID, roomID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func roomIDTx(ctx context.Context, tx *sql.Tx, room string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM public_rooms WHERE name = ?`, room).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", room, ErrUnknownRoom)
	}
	return id, err
}

func (s *Store) IsMember(ctx context.Context, accountID int64, room string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships m
		JOIN public_rooms r ON r.id = m.room_id
		WHERE m.account_id = ? AND r.name = ?`, accountID, room,
	).Scan(&n)
	return n > 0, err
}

// AllowedRooms lists the rooms accountID belongs to, in room order.
func (s *Store) AllowedRooms(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name FROM public_rooms r
		JOIN memberships m ON m.room_id = r.id
		WHERE m.account_id = ? ORDER BY r.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		rooms = append(rooms, name)
	}
	return rooms, rows.Err()
}

// MembersByRoom groups members per room; rooms without members are omitted.
func (s *Store) MembersByRoom(ctx context.Context) ([]RoomMembers, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name, a.nom, a.prenom, a.email FROM memberships m
		JOIN accounts a ON a.id = m.account_id
		JOIN public_rooms r ON r.id = m.room_id
		ORDER BY r.id, a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomMembers
	for rows.Next() {
		var (
			room string
			m    Member
		)
		if err := rows.Scan(&room, &m.Nom, &m.Prenom, &m.Email); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].Room != room {
			out = append(out, RoomMembers{Room: room})
		}
		last := &out[len(out)-1]
		last.Members = append(last.Members, m)
	}
	return out, rows.Err()
}

// Private rooms and messages

// ResolveOrCreatePrivateRoom returns the room shared by the two emails,
// creating it on first use. Argument order does not matter.
func (s *Store) ResolveOrCreatePrivateRoom(ctx context.Context, emailA, emailB string) (int64, error) {
	pair := []string{emailA, emailB}
	sort.Strings(pair)

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO private_rooms (email_a, email_b) VALUES (?, ?)`, pair[0], pair[1],
		); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT id FROM private_rooms WHERE email_a = ? AND email_b = ?`, pair[0], pair[1],
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("private room %s/%s: %w", pair[0], pair[1], err)
	}
	return id, nil
}

func (s *Store) StorePublicMessage(ctx context.Context, accountID int64, room, content string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (account_id, content, created_at_ms, public_room_id)
		SELECT ?, ?, ?, id FROM public_rooms WHERE name = ?`,
		accountID, content, at.UnixMilli(), room,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", room, ErrUnknownRoom)
	}
	return nil
}

func (s *Store) StorePrivateMessage(ctx context.Context, accountID, privateRoomID int64, content string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (account_id, content, created_at_ms, private_room_id) VALUES (?, ?, ?, ?)`,
		accountID, content, at.UnixMilli(), privateRoomID,
	)
	return err
}

// PublicHistory returns every public message in timestamp order.
func (s *Store) PublicHistory(ctx context.Context) ([]PublicEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name, a.nom || '/' || a.prenom, m.content, m.created_at_ms FROM messages m
		JOIN public_rooms r ON r.id = m.public_room_id
		JOIN accounts a ON a.id = m.account_id
		ORDER BY m.created_at_ms, m.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PublicEntry
	for rows.Next() {
		var (
			e  PublicEntry
			ms int64
		)
		if err := rows.Scan(&e.Room, &e.Author, &e.Content, &ms); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PrivateHistory returns the messages of every private room email takes
// part in, in timestamp order.
func (s *Store) PrivateHistory(ctx context.Context, email string) ([]PrivateEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.content, m.created_at_ms FROM messages m
		JOIN private_rooms p ON p.id = m.private_room_id
		WHERE p.email_a = ? OR p.email_b = ?
		ORDER BY m.created_at_ms, m.id`, email, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PrivateEntry
	for rows.Next() {
		var (
			e  PrivateEntry
			ms int64
		)
		if err := rows.Scan(&e.Content, &ms); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// IP history

// RecordIPHistory notes that email authenticated from ip.
func (s *Store) RecordIPHistory(ctx context.Context, email, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_history (email, ip, seen_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(email, ip) DO UPDATE SET seen_at_ms = excluded.seen_at_ms`,
		email, ip, time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) IPsForEmail(ctx context.Context, email string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ip FROM ip_history WHERE email = ? ORDER BY ip`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}
