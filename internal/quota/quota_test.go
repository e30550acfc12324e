package quota

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
	quota    map[string]*model.QuotaStats
	bindings map[string]*model.SessionBinding
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		quota:    make(map[string]*model.QuotaStats),
		bindings: make(map[string]*model.SessionBinding),
	}
}

func (f *fakeStore) ListAccounts(ctx context.Context, enabled *bool) ([]*model.Account, error) {
	return nil, nil
}
func (f *fakeStore) GetAccount(ctx context.Context, id string) (*model.Account, error) { return nil, nil }
func (f *fakeStore) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return nil, nil
}
func (f *fakeStore) FindAccountByRefreshTokenHash(ctx context.Context, hash string) (*model.Account, error) {
	return nil, nil
}
func (f *fakeStore) UpsertAccount(ctx context.Context, a *model.Account) error { return nil }
func (f *fakeStore) DeleteAccount(ctx context.Context, id string) error       { return nil }
func (f *fakeStore) DisableAccountsBatch(ctx context.Context, ids []string, status model.RefreshStatus) error {
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

func (f *fakeStore) UpsertQuotaStats(ctx context.Context, q *model.QuotaStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *q
	f.quota[q.AccountID+"|"+q.MonthKey] = &clone
	return nil
}
func (f *fakeStore) GetQuotaStats(ctx context.Context, accountID, monthKey string) (*model.QuotaStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quota[accountID+"|"+monthKey]
	if !ok {
		return nil, nil
	}
	clone := *q
	return &clone, nil
}
func (f *fakeStore) ListQuotaStats(ctx context.Context, monthKey string) ([]*model.QuotaStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.QuotaStats
	for _, q := range f.quota {
		if q.MonthKey == monthKey {
			clone := *q
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeStore) PutSessionBinding(ctx context.Context, b *model.SessionBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *b
	f.bindings[b.SessionKey] = &clone
	return nil
}
func (f *fakeStore) GetSessionBinding(ctx context.Context, sessionKey string) (*model.SessionBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[sessionKey]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func (f *fakeStore) Close() error { return nil }

func TestRecordRequest_IncrementsCount(t *testing.T) {
	fs := newFakeStore()
	tr := New(fs, 0)

	require.NoError(t, tr.RecordRequest(context.Background(), "acct-1"))
	require.NoError(t, tr.RecordRequest(context.Background(), "acct-1"))

	stats, err := tr.Stats(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RequestCount)
}

func TestRecordThrottle_DerivesExhausted(t *testing.T) {
	fs := newFakeStore()
	tr := New(fs, 0)

	require.NoError(t, tr.RecordRequest(context.Background(), "acct-1"))
	require.NoError(t, tr.RecordThrottle(context.Background(), "acct-1"))

	stats, err := tr.Stats(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.QuotaExhausted, stats.QuotaStatus)
	assert.NotNil(t, stats.LastThrottleTime)
}

func TestListExhausted_FiltersByDerivedStatus(t *testing.T) {
	fs := newFakeStore()
	tr := New(fs, 0)

	require.NoError(t, tr.RecordRequest(context.Background(), "ok-acct"))
	require.NoError(t, tr.RecordRequest(context.Background(), "bad-acct"))
	require.NoError(t, tr.RecordThrottle(context.Background(), "bad-acct"))

	ids, err := tr.ListExhausted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad-acct"}, ids)
}

func TestSessionKey_StableAcrossCallsSameMessages(t *testing.T) {
	msgs := []string{"hello", "how are you", "fine thanks"}
	k1 := SessionKey(msgs, "")
	k2 := SessionKey(msgs, "")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 16)
}

func TestSessionKey_DiffersByUser(t *testing.T) {
	msgs := []string{"hello"}
	assert.NotEqual(t, SessionKey(msgs, "user-a"), SessionKey(msgs, "user-b"))
}

func TestBindAndLookupSession(t *testing.T) {
	fs := newFakeStore()
	tr := New(fs, time.Hour)

	require.NoError(t, tr.BindSession(context.Background(), "sess-1", "acct-7"))

	got, err := tr.AccountForSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-7", got)
}

func TestAccountForSession_ExpiredReturnsEmpty(t *testing.T) {
	fs := newFakeStore()
	tr := New(fs, time.Hour)

	require.NoError(t, fs.PutSessionBinding(context.Background(), &model.SessionBinding{
		SessionKey: "sess-2",
		AccountID:  "acct-8",
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}))

	got, err := tr.AccountForSession(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestAccountForSession_MissingReturnsEmpty(t *testing.T) {
	fs := newFakeStore()
	tr := New(fs, time.Hour)

	got, err := tr.AccountForSession(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
