package store

import "time"

// Public room names. The set is fixed and seeded by the first migration.
const (
	RoomGeneral      = "General"
	RoomBlabla       = "Blabla"
	RoomComptabilite = "Comptabilite"
	RoomInformatique = "Informatique"
	RoomMarketing    = "Marketing"
)

// PublicRooms lists the public rooms in display order.
var PublicRooms = []string{RoomGeneral, RoomBlabla, RoomComptabilite, RoomInformatique, RoomMarketing}

type Permission string

const (
	PermissionStandard Permission = "utilisateur"
	PermissionAdmin    Permission = "administrateur"
)

// ParsePermission accepts the role field of a registration.
func ParsePermission(s string) (Permission, bool) {
	switch Permission(s) {
	case PermissionStandard, PermissionAdmin:
		return Permission(s), true
	}
	return "", false
}

type Account struct {
	ID         int64
	Nom        string
	Prenom     string
	Email      string
	Permission Permission
}

type SanctionKind string

const (
	SanctionBan  SanctionKind = "ban"
	SanctionKick SanctionKind = "kick"
)

// Status is the outcome of a sanction check.
type Status int

const (
	StatusNone Status = iota
	StatusBan
	StatusKick
)

func (s Status) String() string {
	switch s {
	case StatusBan:
		return "BAN"
	case StatusKick:
		return "KICK"
	default:
		return "NONE"
	}
}

// Sanction is one row of the sanctions table. Duration is only meaningful
// for kicks and is stored in whole minutes.
type Sanction struct {
	Kind     SanctionKind
	Email    string
	IP       string
	Duration time.Duration
	Motif    string
	IssuedAt time.Time
}

// Active reports whether the sanction still applies at now. Bans never
// expire; a kick expires once Duration has elapsed since IssuedAt.
func (s Sanction) Active(now time.Time) bool {
	switch s.Kind {
	case SanctionBan:
		return true
	case SanctionKick:
		return now.Sub(s.IssuedAt) < s.Duration
	}
	return false
}

type Member struct {
	Nom    string
	Prenom string
	Email  string
}

type RoomMembers struct {
	Room    string
	Members []Member
}

type PublicEntry struct {
	Room    string
	Author  string
	Content string
	At      time.Time
}

type PrivateEntry struct {
	Content string
	At      time.Time
}
