// Package protocol implements the line-delimited chat protocol.
//
// Client lines are either tagged commands of the form
//
//	[PROTOCOLE]<NAME>:<payload>
//
// or free text. Payload grammar per command:
//
//	AUTHENTIFICATION:email,password              2 fields, password may contain ','
//	INSCRIPTION:nom,prenom,email,password,role   exactly 5 fields
//	VERIFICATION_SALONS_AUTORISES:               payload ignored
//	REQUETE_MEMBRES_SALONS_PUBLICS:              payload ignored
//	REQUETE_HISTORIQUE_SALONS_PUBLICS:           payload ignored
//	REQUETE_HISTORIQUE_SALONS_PRIVES:            payload ignored
//	ACCES_SALON:room                             1 field
//	DISCUSSION_PUBLIQUE:room:content             split on the first ':' only
//	DISCUSSION_PRIVEE:recipient_email:content    split on the first ':' only
package protocol

import (
	"fmt"
	"strings"
)

// Prefix marks a tagged command line.
const Prefix = "[PROTOCOLE]"

// Command names.
const (
	CmdAuthenticate   = "AUTHENTIFICATION"
	CmdRegister       = "INSCRIPTION"
	CmdAllowedRooms   = "VERIFICATION_SALONS_AUTORISES"
	CmdRoomMembers    = "REQUETE_MEMBRES_SALONS_PUBLICS"
	CmdPublicHistory  = "REQUETE_HISTORIQUE_SALONS_PUBLICS"
	CmdPrivateHistory = "REQUETE_HISTORIQUE_SALONS_PRIVES"
	CmdRoomAccess     = "ACCES_SALON"
	CmdPublicMessage  = "DISCUSSION_PUBLIQUE"
	CmdPrivateMessage = "DISCUSSION_PRIVEE"

	// CmdFreeText labels untagged lines in logs and metrics.
	CmdFreeText = "TEXTE_LIBRE"
)

var (
	ErrMalformed      = errorString("malformed command")
	ErrUnknownCommand = errorString("unknown command")
	ErrLineTooLong    = errorString("line too long")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// Request is one decoded client line. The set of implementations is closed.
type Request interface {
	Command() string
	request()
}

type Authenticate struct {
	Email    string
	Password string
}

type Register struct {
	Nom      string
	Prenom   string
	Email    string
	Password string
	Role     string
}

type AllowedRooms struct{}

type RoomMembers struct{}

type PublicHistory struct{}

type PrivateHistory struct{}

type RoomAccess struct {
	Room string
}

type PublicMessage struct {
	Room    string
	Content string
}

type PrivateMessage struct {
	Recipient string
	Content   string
}

// FreeText is any line that does not carry the command prefix.
type FreeText struct {
	Text string
}

func (Authenticate) Command() string   { return CmdAuthenticate }
func (Register) Command() string       { return CmdRegister }
func (AllowedRooms) Command() string   { return CmdAllowedRooms }
func (RoomMembers) Command() string    { return CmdRoomMembers }
func (PublicHistory) Command() string  { return CmdPublicHistory }
func (PrivateHistory) Command() string { return CmdPrivateHistory }
func (RoomAccess) Command() string     { return CmdRoomAccess }
func (PublicMessage) Command() string  { return CmdPublicMessage }
func (PrivateMessage) Command() string { return CmdPrivateMessage }
func (FreeText) Command() string       { return CmdFreeText }

func (Authenticate) request()   {}
func (Register) request()       {}
func (AllowedRooms) request()   {}
func (RoomMembers) request()    {}
func (PublicHistory) request()  {}
func (PrivateHistory) request() {}
func (RoomAccess) request()     {}
func (PublicMessage) request()  {}
func (PrivateMessage) request() {}
func (FreeText) request()       {}

// Decode parses one trimmed line.
func Decode(line string) (Request, error) {
	if !strings.HasPrefix(line, Prefix) {
		return FreeText{Text: line}, nil
	}

	name, payload, ok := strings.Cut(line[len(Prefix):], ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing ':' after %q", ErrMalformed, name)
	}

	switch name {
	case CmdAuthenticate:
		email, password, ok := strings.Cut(payload, ",")
		if !ok || email == "" {
			return nil, malformed(name, "want email,password")
		}
		return Authenticate{Email: strings.TrimSpace(email), Password: password}, nil

	case CmdRegister:
		f := strings.Split(payload, ",")
		if len(f) != 5 {
			return nil, malformed(name, fmt.Sprintf("want 5 fields, got %d", len(f)))
		}
		return Register{
			Nom:      strings.TrimSpace(f[0]),
			Prenom:   strings.TrimSpace(f[1]),
			Email:    strings.TrimSpace(f[2]),
			Password: f[3],
			Role:     strings.TrimSpace(f[4]),
		}, nil

	case CmdAllowedRooms:
		return AllowedRooms{}, nil
	case CmdRoomMembers:
		return RoomMembers{}, nil
	case CmdPublicHistory:
		return PublicHistory{}, nil
	case CmdPrivateHistory:
		return PrivateHistory{}, nil

	case CmdRoomAccess:
		room := strings.TrimSpace(payload)
		if room == "" || strings.Contains(room, ":") {
			return nil, malformed(name, "want room")
		}
		return RoomAccess{Room: room}, nil

	case CmdPublicMessage:
		room, content, ok := strings.Cut(payload, ":")
		if !ok || strings.TrimSpace(room) == "" {
			return nil, malformed(name, "want room:content")
		}
		return PublicMessage{Room: strings.TrimSpace(room), Content: content}, nil

	case CmdPrivateMessage:
		to, content, ok := strings.Cut(payload, ":")
		if !ok || strings.TrimSpace(to) == "" {
			return nil, malformed(name, "want recipient:content")
		}
		return PrivateMessage{Recipient: strings.TrimSpace(to), Content: content}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func malformed(name, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, name, detail)
}
