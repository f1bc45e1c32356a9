package protocol

import (
	"encoding/json"
	"strings"
)

// Reply is one server line without its terminating newline.
type Reply string

// Encode returns the line as written on the wire.
func (r Reply) Encode() string { return string(r) + "\n" }

const (
	AuthSuccess     Reply = "SUCCES_AUTHENTIFICATION"
	AuthFailure     Reply = "ECHEC_AUTHENTIFICATION"
	RegisterSuccess Reply = "SUCCES_INSCRIPTION"
	RegisterFailure Reply = "ECHEC_INSCRIPTION"
	Banned          Reply = "BAN_CLIENT"
	Kicked          Reply = "KICK_CLIENT"

	UnknownRoom         Reply = Prefix + "SALON_INCONNU"
	AllowedRoomsError   Reply = Prefix + "ERREUR_SALONS_AUTORISES"
	MembersError        Reply = Prefix + "ERREUR_MEMBRES_SALONS"
	PublicHistoryError  Reply = Prefix + "ERREUR_HISTORIQUE_PUBLIC"
	PrivateHistoryError Reply = Prefix + "ERREUR_HISTORIQUE_PRIVE"
	ProtocolError       Reply = Prefix + "ERREUR_PROTOCOLE"
	NotAuthenticated    Reply = Prefix + "NON_AUTHENTIFIE"
	ServerShutdown      Reply = Prefix + "ARRET_SERVEUR:"
)

func AllowedRoomsList(rooms []string) Reply {
	return Reply(Prefix + "LISTE_SALONS_AUTORISES:" + strings.Join(rooms, ","))
}

func AccessGranted(room string) Reply {
	return Reply(Prefix + "ACCES_ACCORDE:" + room)
}

func AccessDenied(room string) Reply {
	return Reply(Prefix + "ACCES_REFUSE:" + room)
}

func AccessAlreadyGranted(room string) Reply {
	return Reply(Prefix + "ACCES_DEJA_ACCORDE:" + room)
}

func ChatMessage(room, formatted string) Reply {
	return Reply(Prefix + "MESSAGE_CHAT:" + room + ":" + formatted)
}

func NewPrivateMessage(sender, formatted string) Reply {
	return Reply(Prefix + "NOUVEAU_MESSAGE_PRIVE:" + sender + ":" + formatted)
}

// Ack answers a free-text line.
func Ack(ip, text string) Reply {
	return Reply("Message reçu, client " + ip + " : " + text)
}

// Pair is one (key, value) element of a list payload.
type Pair [2]string

// MembersList encodes (room, "Nom Prenom:email,...") pairs.
func MembersList(pairs []Pair) (Reply, error) {
	return pairList("LISTE_MEMBRES_SALONS_PUBLICS:", pairs)
}

// PublicHistoryList encodes (room, content) pairs.
func PublicHistoryList(pairs []Pair) (Reply, error) {
	return pairList("LISTE_MESSAGES_PUBLICS:", pairs)
}

// PrivateHistoryList encodes (content, timestamp) pairs.
func PrivateHistoryList(pairs []Pair) (Reply, error) {
	return pairList("LISTE_MESSAGES_PRIVES:", pairs)
}

func pairList(tag string, pairs []Pair) (Reply, error) {
	if pairs == nil {
		pairs = []Pair{}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return Reply(Prefix + tag + string(b)), nil
}

// DecodePairs parses the JSON payload of a list reply; it is the client-side
// counterpart of MembersList and the history lists.
func DecodePairs(r Reply, tag string) ([]Pair, error) {
	payload, ok := strings.CutPrefix(string(r), Prefix+tag+":")
	if !ok {
		return nil, ErrMalformed
	}
	var pairs []Pair
	if err := json.Unmarshal([]byte(payload), &pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}
