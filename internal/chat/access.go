package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andy6609/multiroom-chat-server/internal/store"
)

// RoomPolicy says how membership of a public room is obtained.
type RoomPolicy int

const (
	PolicyImplicit   RoomPolicy = iota // granted at registration
	PolicyOpen                         // granted on request
	PolicyRestricted                   // operator decides
)

var roomPolicies = map[string]RoomPolicy{
	store.RoomGeneral:      PolicyImplicit,
	store.RoomBlabla:       PolicyOpen,
	store.RoomComptabilite: PolicyRestricted,
	store.RoomInformatique: PolicyRestricted,
	store.RoomMarketing:    PolicyRestricted,
}

// PolicyFor returns the policy of room, or false for an unknown room.
func PolicyFor(room string) (RoomPolicy, bool) {
	p, ok := roomPolicies[room]
	return p, ok
}

// AccessState is the per (account, room) state.
type AccessState int

const (
	StateNotMember AccessState = iota
	StatePending
	StateMember
	StateDenied
)

func (s AccessState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateMember:
		return "MEMBER"
	case StateDenied:
		return "DENIED"
	default:
		return "NOT_MEMBER"
	}
}

// AccessOutcome is the answer to one access request.
type AccessOutcome int

const (
	AccessGranted AccessOutcome = iota
	AccessAlreadyGranted
	AccessDenied
)

func (o AccessOutcome) String() string {
	switch o {
	case AccessGranted:
		return "granted"
	case AccessAlreadyGranted:
		return "already_granted"
	default:
		return "denied"
	}
}

type accessKey struct {
	account int64
	room    string
}

// AccessController decides room membership. Restricted rooms go through
// the operator one request at a time.
type AccessController struct {
	gw        Gateway
	approvals *Approvals
	logger    *slog.Logger

	mu     sync.Mutex
	states map[accessKey]AccessState // PENDING and DENIED only; MEMBER lives in the store
}

func NewAccessController(gw Gateway, approvals *Approvals, logger *slog.Logger) *AccessController {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessController{
		gw:        gw,
		approvals: approvals,
		logger:    logger,
		states:    make(map[accessKey]AccessState),
	}
}

// Request runs the access flow for an authenticated session.
func (ac *AccessController) Request(ctx context.Context, sess Session, room string) (AccessOutcome, error) {
	policy, ok := PolicyFor(room)
	if !ok {
		AccessRequestsTotal.WithLabelValues("unknown", "unknown_room").Inc()
		return AccessDenied, ErrUnknownRoom
	}
	out, err := ac.request(ctx, sess, room, policy)
	AccessRequestsTotal.WithLabelValues(room, out.String()).Inc()
	return out, err
}

func (ac *AccessController) request(ctx context.Context, sess Session, room string, policy RoomPolicy) (AccessOutcome, error) {
	member, err := ac.gw.IsMember(ctx, sess.AccountID, room)
	if err != nil {
		return AccessDenied, fmt.Errorf("membership check: %w", err)
	}
	if member {
		return AccessAlreadyGranted, nil
	}

	if policy != PolicyRestricted {
		return ac.grant(ctx, sess.AccountID, room)
	}

	release, err := ac.approvals.Acquire(ctx)
	if err != nil {
		return AccessDenied, err
	}
	defer release()

	// Another session of the same account may have been granted while we
	// waited for the slot.
	member, err = ac.gw.IsMember(ctx, sess.AccountID, room)
	if err != nil {
		return AccessDenied, fmt.Errorf("membership check: %w", err)
	}
	if member {
		return AccessAlreadyGranted, nil
	}

	key := accessKey{sess.AccountID, room}
	ac.setState(key, StatePending)
	granted, err := ac.approvals.Ask(ctx, room, sess.Email, sess.IP)
	if err != nil {
		ac.clearState(key)
		return AccessDenied, err
	}
	if !granted {
		ac.setState(key, StateDenied)
		ac.logger.Info("room access denied", "room", room, "email", sess.Email)
		return AccessDenied, nil
	}
	ac.clearState(key)
	return ac.grant(ctx, sess.AccountID, room)
}

func (ac *AccessController) grant(ctx context.Context, accountID int64, room string) (AccessOutcome, error) {
	created, err := ac.gw.GrantMembership(ctx, accountID, room)
	if err != nil {
		return AccessDenied, fmt.Errorf("grant membership: %w", err)
	}
	if !created {
		return AccessAlreadyGranted, nil
	}
	ac.logger.Info("room access granted", "room", room, "account_id", accountID)
	return AccessGranted, nil
}

// State reports where (accountID, room) stands.
func (ac *AccessController) State(ctx context.Context, accountID int64, room string) (AccessState, error) {
	if _, ok := PolicyFor(room); !ok {
		return StateNotMember, ErrUnknownRoom
	}
	member, err := ac.gw.IsMember(ctx, accountID, room)
	if err != nil {
		return StateNotMember, err
	}
	if member {
		return StateMember, nil
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if st, ok := ac.states[accessKey{accountID, room}]; ok {
		return st, nil
	}
	return StateNotMember, nil
}

// Grant adds email to room without asking. Used by the operator.
func (ac *AccessController) Grant(ctx context.Context, room, email string) (bool, error) {
	acct, err := ac.account(ctx, room, email)
	if err != nil {
		return false, err
	}
	created, err := ac.gw.GrantMembership(ctx, acct.ID, room)
	if err != nil {
		return false, err
	}
	ac.clearState(accessKey{acct.ID, room})
	return created, nil
}

// Revoke removes email from room.
func (ac *AccessController) Revoke(ctx context.Context, room, email string) (bool, error) {
	acct, err := ac.account(ctx, room, email)
	if err != nil {
		return false, err
	}
	return ac.gw.RevokeMembership(ctx, acct.ID, room)
}

func (ac *AccessController) account(ctx context.Context, room, email string) (store.Account, error) {
	if _, ok := PolicyFor(room); !ok {
		return store.Account{}, ErrUnknownRoom
	}
	acct, err := ac.gw.AccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{}, ErrUnknownAccount
	}
	return acct, err
}

func (ac *AccessController) setState(k accessKey, st AccessState) {
	ac.mu.Lock()
	ac.states[k] = st
	ac.mu.Unlock()
}

func (ac *AccessController) clearState(k accessKey) {
	ac.mu.Lock()
	delete(ac.states, k)
	ac.mu.Unlock()
}
