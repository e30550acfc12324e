// Package account is the gateway's pooled-credential store: account
// CRUD over internal/store, weighted least-use selection, and the
// error/quota-driven disable transitions spec'd for C5.
package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/kiroq-gateway/gateway/internal/errors"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/store"
)

// Store wraps a persistence backend with the account lifecycle rules:
// dedup on create, disable-on-threshold, batch disable.
type Store struct {
	db            store.Store
	maxErrorCount int
}

// New constructs an account Store. maxErrorCount is the ErrorCount
// threshold past which an account is auto-disabled (MAX_ERROR_COUNT).
func New(db store.Store, maxErrorCount int) *Store {
	if maxErrorCount <= 0 {
		maxErrorCount = 10
	}
	return &Store{db: db, maxErrorCount: maxErrorCount}
}

// HashRefreshToken is the dedup key used to detect an already-pooled
// account being re-imported under a new label.
func HashRefreshToken(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// ListEnabled returns every account with Enabled == true.
func (s *Store) ListEnabled(ctx context.Context) ([]*model.Account, error) {
	t := true
	return s.db.ListAccounts(ctx, &t)
}

// ListDisabled returns every account with Enabled == false.
func (s *Store) ListDisabled(ctx context.Context) ([]*model.Account, error) {
	f := false
	return s.db.ListAccounts(ctx, &f)
}

// Get fetches one account by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Account, error) {
	a, err := s.db.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("account %q not found", id), nil)
	}
	return a, nil
}

// CreateFromTokens imports a freshly authorized account, rejecting a
// duplicate by refresh-token hash or (when set) by email, per the
// account dedup invariant.
func (s *Store) CreateFromTokens(ctx context.Context, a *model.Account) (*model.Account, error) {
	hash := HashRefreshToken(a.RefreshToken)
	if existing, err := s.db.FindAccountByRefreshTokenHash(ctx, hash); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperrors.Conflict("account with this refresh token already pooled", nil)
	}

	if email := a.Email(); email != "" {
		if existing, err := s.db.FindAccountByEmail(ctx, email); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, apperrors.Conflict("account with this email already pooled", nil)
		}
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Enabled = true
	a.LastRefreshStatus = model.RefreshNever

	if err := s.db.UpsertAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Update persists changes to an existing account, stamping UpdatedAt.
func (s *Store) Update(ctx context.Context, a *model.Account) error {
	a.UpdatedAt = time.Now().UTC()
	return s.db.UpsertAccount(ctx, a)
}

// Delete removes an account permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.DeleteAccount(ctx, id)
}

// Disable marks one account Enabled == false, recording reason in
// Other["disabled_reason"].
func (s *Store) Disable(ctx context.Context, id, reason string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	a.Enabled = false
	if a.Other == nil {
		a.Other = map[string]any{}
	}
	a.Other["disabled_reason"] = reason
	return s.Update(ctx, a)
}

// DisableBatch disables many accounts at once, chunked to at most 20
// ids per underlying statement to stay within typical placeholder
// limits across all three backends.
func (s *Store) DisableBatch(ctx context.Context, ids []string, status model.RefreshStatus) error {
	const chunkSize = 20
	for i := 0; i < len(ids); i += chunkSize {
		end := min(i+chunkSize, len(ids))
		if err := s.db.DisableAccountsBatch(ctx, ids[i:end], status); err != nil {
			return err
		}
	}
	return nil
}

// RecordOutcome updates ErrorCount/SuccessCount after a request
// completes, auto-disabling the account once ErrorCount reaches the
// configured threshold or QuotaExhausted is set, matching the
// transition rules for C5/C8 interaction.
func (s *Store) RecordOutcome(ctx context.Context, id string, success, quotaExhausted bool) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if success {
		a.SuccessCount++
		a.ErrorCount = 0
	} else {
		a.ErrorCount++
	}
	if quotaExhausted {
		a.QuotaExhausted = true
	}

	if a.ErrorCount >= s.maxErrorCount || a.QuotaExhausted {
		a.Enabled = false
		if a.Other == nil {
			a.Other = map[string]any{}
		}
		if a.QuotaExhausted {
			a.Other["disabled_reason"] = "quota_exhausted"
		} else {
			a.Other["disabled_reason"] = "error_count_threshold"
		}
	}

	return s.Update(ctx, a)
}

// SelectionOptions narrows the candidate pool before weighted
// least-use selection runs.
type SelectionOptions struct {
	// PinnedAccountID, when non-empty, is returned directly if it is
	// present, enabled, and within AllowedAccountIDs (X-Account-Id /
	// session stickiness).
	PinnedAccountID string
	// AllowedAccountIDs restricts the pool to an API key's ACL scope;
	// empty means unrestricted.
	AllowedAccountIDs []string
}

// Select implements the weighted-least-use account choice: sort the
// enabled, ACL-permitted pool by (ErrorRate asc, SuccessCount asc,
// ErrorCount asc) and take the first, honoring a pin first when it is
// eligible.
func (s *Store) Select(ctx context.Context, opts SelectionOptions) (*model.Account, error) {
	enabled, err := s.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	allowed := func(id string) bool {
		if len(opts.AllowedAccountIDs) == 0 {
			return true
		}
		for _, a := range opts.AllowedAccountIDs {
			if a == id {
				return true
			}
		}
		return false
	}

	if opts.PinnedAccountID != "" {
		for _, a := range enabled {
			if a.ID == opts.PinnedAccountID && allowed(a.ID) {
				return a, nil
			}
		}
	}

	var pool []*model.Account
	for _, a := range enabled {
		if allowed(a.ID) {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		return nil, apperrors.Overloaded("no enabled accounts available for this request", nil)
	}

	sort.Slice(pool, func(i, j int) bool {
		ri, rj := pool[i].ErrorRate(), pool[j].ErrorRate()
		if ri != rj {
			return ri < rj
		}
		if pool[i].SuccessCount != pool[j].SuccessCount {
			return pool[i].SuccessCount < pool[j].SuccessCount
		}
		return pool[i].ErrorCount < pool[j].ErrorCount
	})

	return pool[0], nil
}
