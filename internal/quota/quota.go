// Package quota tracks per-account monthly usage counters and the
// session-to-account stickiness bindings that keep a multi-turn
// conversation pinned to the account that started it.
package quota

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/store"
)

// DefaultSessionTTL is the lifetime of a session-to-account binding
// when the caller doesn't override it.
const DefaultSessionTTL = time.Hour

// Tracker wraps the quota-stats and session-binding tables.
type Tracker struct {
	db  store.Store
	ttl time.Duration
}

// New constructs a Tracker. ttl <= 0 uses DefaultSessionTTL.
func New(db store.Store, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Tracker{db: db, ttl: ttl}
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordRequest increments RequestCount for accountID's current month,
// creating the row if absent.
func (t *Tracker) RecordRequest(ctx context.Context, accountID string) error {
	return t.bump(ctx, accountID, func(q *model.QuotaStats) {
		q.RequestCount++
	})
}

// RecordThrottle increments ThrottleCount and stamps LastThrottleTime.
func (t *Tracker) RecordThrottle(ctx context.Context, accountID string) error {
	now := time.Now().UTC()
	return t.bump(ctx, accountID, func(q *model.QuotaStats) {
		q.ThrottleCount++
		q.LastThrottleTime = &now
	})
}

func (t *Tracker) bump(ctx context.Context, accountID string, mutate func(*model.QuotaStats)) error {
	now := time.Now().UTC()
	key := monthKey(now)

	q, err := t.db.GetQuotaStats(ctx, accountID, key)
	if err != nil {
		return err
	}
	if q == nil {
		q = &model.QuotaStats{AccountID: accountID, MonthKey: key, CreatedAt: now}
	}
	mutate(q)
	q.QuotaStatus = q.DeriveStatus()
	q.UpdatedAt = now

	return t.db.UpsertQuotaStats(ctx, q)
}

// Stats returns the current month's counters for accountID, or a fresh
// zero-valued record if none exists yet.
func (t *Tracker) Stats(ctx context.Context, accountID string) (*model.QuotaStats, error) {
	key := monthKey(time.Now())
	q, err := t.db.GetQuotaStats(ctx, accountID, key)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = &model.QuotaStats{AccountID: accountID, MonthKey: key, QuotaStatus: model.QuotaNormal}
	}
	return q, nil
}

// ListExhausted returns every account whose current-month stats derive
// to QuotaExhausted, for the batch-disable sweep.
func (t *Tracker) ListExhausted(ctx context.Context) ([]string, error) {
	key := monthKey(time.Now())
	all, err := t.db.ListQuotaStats(ctx, key)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, q := range all {
		if q.DeriveStatus() == model.QuotaExhausted {
			ids = append(ids, q.AccountID)
		}
	}
	return ids, nil
}

// SessionKey derives the 16-character stickiness key from the first
// three message contents of a conversation (and optionally a caller
// id), so that repeated turns of the same conversation hash to the
// same key without needing the upstream conversationId.
func SessionKey(messageContents []string, userID string) string {
	n := len(messageContents)
	if n > 3 {
		n = 3
	}
	joined := strings.Join(messageContents[:n], "\x1f")
	if userID != "" {
		joined += "\x1f" + userID
	}
	sum := md5.Sum([]byte(joined))
	return hex.EncodeToString(sum[:])[:16]
}

// BindSession pins sessionKey to accountID for the tracker's TTL,
// overwriting any prior binding.
func (t *Tracker) BindSession(ctx context.Context, sessionKey, accountID string) error {
	now := time.Now().UTC()
	return t.db.PutSessionBinding(ctx, &model.SessionBinding{
		SessionKey: sessionKey,
		AccountID:  accountID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(t.ttl),
	})
}

// AccountForSession returns the account pinned to sessionKey, or ""
// if no binding exists or it has expired.
func (t *Tracker) AccountForSession(ctx context.Context, sessionKey string) (string, error) {
	b, err := t.db.GetSessionBinding(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if b == nil || b.Expired(time.Now().UTC()) {
		return "", nil
	}
	return b.AccountID, nil
}
