package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: make(map[string]*model.Account)}
}

func (f *fakeStore) ListAccounts(ctx context.Context, enabled *bool) ([]*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Account
	for _, a := range f.accounts {
		if enabled == nil || a.Enabled == *enabled {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (f *fakeStore) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email() == email {
			clone := *a
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindAccountByRefreshTokenHash(ctx context.Context, hash string) (*model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if HashRefreshToken(a.RefreshToken) == hash {
			clone := *a
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *a
	f.accounts[a.ID] = &clone
	return nil
}

func (f *fakeStore) DeleteAccount(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, id)
	return nil
}

func (f *fakeStore) DisableAccountsBatch(ctx context.Context, ids []string, status model.RefreshStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if a, ok := f.accounts[id]; ok {
			a.Enabled = false
			a.LastRefreshStatus = status
		}
	}
	return nil
}

func (f *fakeStore) PutKey(ctx context.Context, k *model.SecureKey) error { return nil }
func (f *fakeStore) GetKeyByLookupHash(ctx context.Context, lookupHash string) (*model.SecureKey, error) {
	return nil, nil
}
func (f *fakeStore) GetKey(ctx context.Context, keyID string) (*model.SecureKey, error) { return nil, nil }
func (f *fakeStore) ListKeys(ctx context.Context) ([]*model.SecureKey, error)           { return nil, nil }
func (f *fakeStore) IncrementKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	return nil
}
func (f *fakeStore) SetKeyStatus(ctx context.Context, keyID string, status model.KeyStatus) error {
	return nil
}

func (f *fakeStore) PutAuthSession(ctx context.Context, s *model.AuthSession) error { return nil }
func (f *fakeStore) GetAuthSession(ctx context.Context, authID string) (*model.AuthSession, error) {
	return nil, nil
}
func (f *fakeStore) DeleteAuthSession(ctx context.Context, authID string) error { return nil }

func (f *fakeStore) UpsertQuotaStats(ctx context.Context, q *model.QuotaStats) error { return nil }
func (f *fakeStore) GetQuotaStats(ctx context.Context, accountID, monthKey string) (*model.QuotaStats, error) {
	return nil, nil
}
func (f *fakeStore) ListQuotaStats(ctx context.Context, monthKey string) ([]*model.QuotaStats, error) {
	return nil, nil
}

func (f *fakeStore) PutSessionBinding(ctx context.Context, b *model.SessionBinding) error { return nil }
func (f *fakeStore) GetSessionBinding(ctx context.Context, sessionKey string) (*model.SessionBinding, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func TestCreateFromTokens_RejectsDuplicateRefreshToken(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 10)

	_, err := s.CreateFromTokens(context.Background(), &model.Account{ID: "a1", RefreshToken: "rt-shared"})
	require.NoError(t, err)

	_, err = s.CreateFromTokens(context.Background(), &model.Account{ID: "a2", RefreshToken: "rt-shared"})
	assert.Error(t, err)
}

func TestCreateFromTokens_RejectsDuplicateEmail(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 10)

	_, err := s.CreateFromTokens(context.Background(), &model.Account{
		ID: "a1", RefreshToken: "rt-1", Other: map[string]any{"email": "dev@example.com"},
	})
	require.NoError(t, err)

	_, err = s.CreateFromTokens(context.Background(), &model.Account{
		ID: "a2", RefreshToken: "rt-2", Other: map[string]any{"email": "dev@example.com"},
	})
	assert.Error(t, err)
}

func TestRecordOutcome_DisablesAtErrorThreshold(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 3)
	_, err := s.CreateFromTokens(context.Background(), &model.Account{ID: "a1", RefreshToken: "rt-1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordOutcome(context.Background(), "a1", false, false))
	}

	a, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.False(t, a.Enabled)
	assert.Equal(t, "error_count_threshold", a.Other["disabled_reason"])
}

func TestRecordOutcome_SuccessResetsErrorCount(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 3)
	_, err := s.CreateFromTokens(context.Background(), &model.Account{ID: "a1", RefreshToken: "rt-1"})
	require.NoError(t, err)

	require.NoError(t, s.RecordOutcome(context.Background(), "a1", false, false))
	require.NoError(t, s.RecordOutcome(context.Background(), "a1", true, false))

	a, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.ErrorCount)
	assert.True(t, a.Enabled)
}

func TestRecordOutcome_QuotaExhaustedDisables(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 100)
	_, err := s.CreateFromTokens(context.Background(), &model.Account{ID: "a1", RefreshToken: "rt-1"})
	require.NoError(t, err)

	require.NoError(t, s.RecordOutcome(context.Background(), "a1", false, true))

	a, err := s.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.False(t, a.Enabled)
	assert.True(t, a.QuotaExhausted)
}

func TestSelect_PicksLeastErrorRate(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 100)

	require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{
		ID: "busy", Enabled: true, ErrorCount: 1, SuccessCount: 1,
	}))
	require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{
		ID: "clean", Enabled: true, ErrorCount: 0, SuccessCount: 10,
	}))

	chosen, err := s.Select(context.Background(), SelectionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "clean", chosen.ID)
}

func TestSelect_HonorsPin(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 100)
	require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{ID: "a1", Enabled: true}))
	require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{ID: "a2", Enabled: true}))

	chosen, err := s.Select(context.Background(), SelectionOptions{PinnedAccountID: "a2"})
	require.NoError(t, err)
	assert.Equal(t, "a2", chosen.ID)
}

func TestSelect_RespectsACLScope(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 100)
	require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{ID: "a1", Enabled: true}))
	require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{ID: "a2", Enabled: true}))

	chosen, err := s.Select(context.Background(), SelectionOptions{AllowedAccountIDs: []string{"a2"}})
	require.NoError(t, err)
	assert.Equal(t, "a2", chosen.ID)
}

func TestSelect_NoEligibleAccountsReturnsError(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 100)
	_, err := s.Select(context.Background(), SelectionOptions{})
	assert.Error(t, err)
}

func TestDisableBatch_ChunksOverTwenty(t *testing.T) {
	fs := newFakeStore()
	s := New(fs, 100)

	ids := make([]string, 0, 45)
	for i := 0; i < 45; i++ {
		id := time.Now().Add(time.Duration(i)).String()
		ids = append(ids, id)
		require.NoError(t, fs.UpsertAccount(context.Background(), &model.Account{ID: id, Enabled: true}))
	}

	require.NoError(t, s.DisableBatch(context.Background(), ids, model.RefreshQuotaExhausted))

	for _, id := range ids {
		a, err := fs.GetAccount(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, a.Enabled)
	}
}
