package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ApprovalRequest is one question put to the operator.
type ApprovalRequest struct {
	ID          uuid.UUID
	Room        string
	Email       string
	Addr        string
	RequestedAt time.Time

	reply chan bool
}

// NewApprovalRequest builds an unanswered request.
func NewApprovalRequest(room, email, addr string) *ApprovalRequest {
	return &ApprovalRequest{
		ID:          uuid.New(),
		Room:        room,
		Email:       email,
		Addr:        addr,
		RequestedAt: time.Now(),
		reply:       make(chan bool, 1),
	}
}

// Answer delivers the operator's decision once Resolve is called.
func (a *ApprovalRequest) Answer() <-chan bool {
	return a.reply
}

// Resolve answers the request. Only the first answer counts.
func (a *ApprovalRequest) Resolve(granted bool) {
	select {
	case a.reply <- granted:
	default:
	}
}

// Approvals serializes operator approvals server-wide: at most one request
// is in front of the operator at any time.
type Approvals struct {
	slot    chan struct{}
	pending chan *ApprovalRequest
	logger  *slog.Logger
}

func NewApprovals(logger *slog.Logger) *Approvals {
	if logger == nil {
		logger = slog.Default()
	}
	return &Approvals{
		slot:    make(chan struct{}, 1),
		pending: make(chan *ApprovalRequest),
		logger:  logger,
	}
}

// Pending delivers requests to whoever answers them.
func (a *Approvals) Pending() <-chan *ApprovalRequest {
	return a.pending
}

// Acquire takes the approval slot. The returned release must be called
// exactly once.
func (a *Approvals) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case a.slot <- struct{}{}:
		return func() { <-a.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ask publishes a request and waits for the answer. The caller must hold
// the slot. There is no timeout; only ctx ends the wait early.
func (a *Approvals) Ask(ctx context.Context, room, email, addr string) (bool, error) {
	req := NewApprovalRequest(room, email, addr)
	a.logger.Info("approval requested", "id", req.ID, "room", room, "email", email, "addr", addr)

	select {
	case a.pending <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case granted := <-req.Answer():
		a.logger.Info("approval answered", "id", req.ID, "granted", granted)
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Busy reports whether a request currently holds the slot.
func (a *Approvals) Busy() bool {
	return len(a.slot) == 1
}
