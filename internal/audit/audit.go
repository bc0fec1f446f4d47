// Package audit writes the per-user trail of authorize, consent, token and
// revoke events.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/idp/internal/store"
)

// Event is one auditable action.
type Event struct {
	UserID    string
	ClientID  string
	Action    string
	IPAddress string
	UserAgent string
}

// Recorder persists events. Failures are logged and swallowed: an audit
// write never fails the request that triggered it.
type Recorder struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(s store.Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: s, logger: logger.Named("audit"), now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || e.UserID == "" {
		return
	}
	entry := &store.AuthLog{
		ID:        uuid.NewString(),
		UserID:    e.UserID,
		ClientID:  e.ClientID,
		Action:    e.Action,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		CreatedAt: r.now().Unix(),
	}
	if err := r.store.CreateAuthLog(ctx, entry); err != nil {
		r.logger.Warn("audit write failed",
			zap.String("action", e.Action),
			zap.String("client_id", e.ClientID),
			zap.Error(err))
		return
	}
	r.logger.Debug("audit", zap.String("action", e.Action), zap.String("user_id", e.UserID), zap.String("client_id", e.ClientID))
}
