package dispatch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroq-gateway/gateway/internal/account"
	"github.com/kiroq-gateway/gateway/internal/lock"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/quota"
	"github.com/kiroq-gateway/gateway/internal/refresh"
	"github.com/kiroq-gateway/gateway/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	quotas   map[string]*model.QuotaStats
	bindings map[string]*model.SessionBinding
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*model.Account),
		quotas:   make(map[string]*model.QuotaStats),
		bindings: make(map[string]*model.SessionBinding),
	}
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
	if a, ok := f.accounts[id]; ok {
		clone := *a
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStore) FindAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return nil, nil
}

func (f *fakeStore) FindAccountByRefreshTokenHash(ctx context.Context, hash string) (*model.Account, error) {
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
	return nil
}

func (f *fakeStore) PutKey(ctx context.Context, k *model.SecureKey) error            { return nil }
func (f *fakeStore) GetKeyByLookupHash(ctx context.Context, h string) (*model.SecureKey, error) {
	return nil, nil
}
func (f *fakeStore) GetKey(ctx context.Context, id string) (*model.SecureKey, error) { return nil, nil }
func (f *fakeStore) ListKeys(ctx context.Context) ([]*model.SecureKey, error)        { return nil, nil }
func (f *fakeStore) IncrementKeyUsage(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (f *fakeStore) SetKeyStatus(ctx context.Context, id string, status model.KeyStatus) error {
	return nil
}

func (f *fakeStore) PutAuthSession(ctx context.Context, s *model.AuthSession) error { return nil }
func (f *fakeStore) GetAuthSession(ctx context.Context, id string) (*model.AuthSession, error) {
	return nil, nil
}
func (f *fakeStore) DeleteAuthSession(ctx context.Context, id string) error { return nil }

func (f *fakeStore) UpsertQuotaStats(ctx context.Context, q *model.QuotaStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *q
	f.quotas[q.AccountID+"|"+q.MonthKey] = &clone
	return nil
}

func (f *fakeStore) GetQuotaStats(ctx context.Context, accountID, monthKey string) (*model.QuotaStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.quotas[accountID+"|"+monthKey]; ok {
		clone := *q
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStore) ListQuotaStats(ctx context.Context, monthKey string) ([]*model.QuotaStats, error) {
	return nil, nil
}

func (f *fakeStore) PutSessionBinding(ctx context.Context, b *model.SessionBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *b
	f.bindings[b.SessionKey] = &clone
	return nil
}

func (f *fakeStore) GetSessionBinding(ctx context.Context, key string) (*model.SessionBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bindings[key]; ok {
		clone := *b
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func newHealthyAccount(id string) *model.Account {
	future := time.Now().Add(time.Hour)
	return &model.Account{
		ID:        id,
		Enabled:   true,
		ExpiresAt: &future,
	}
}

func newTestDispatcher(t *testing.T, fs *fakeStore, do HTTPDo) *Dispatcher {
	t.Helper()
	accounts := account.New(fs, 5)
	dir := t.TempDir()
	locker, err := lock.New(dir, time.Second)
	require.NoError(t, err)
	refresher := refresh.New(fs, locker, http.DefaultClient)
	tracker := quota.New(fs, time.Hour)
	return New(accounts, refresher, tracker, do)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDispatch_SucceedsOnFirstHealthyAccount(t *testing.T) {
	fs := newFakeStore()
	fs.accounts["a1"] = newHealthyAccount("a1")

	var calls int32
	do := func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(200, `{"ok":true}`), nil
	}

	d := newTestDispatcher(t, fs, do)
	res, err := d.Dispatch(context.Background(), Request{Body: []byte(`{}`), Endpoint: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_RetriesOnRetryableUpstreamError(t *testing.T) {
	fs := newFakeStore()
	fs.accounts["a1"] = newHealthyAccount("a1")
	fs.accounts["a2"] = newHealthyAccount("a2")

	var calls int32
	do := func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return jsonResponse(503, "upstream overloaded"), nil
		}
		return jsonResponse(200, `{"ok":true}`), nil
	}

	d := newTestDispatcher(t, fs, do)
	res, err := d.Dispatch(context.Background(), Request{Body: []byte(`{}`), Endpoint: "/x"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestDispatch_FailsClosedWhenNoAccountsEnabled(t *testing.T) {
	fs := newFakeStore()
	do := func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error) {
		t.Fatal("do should never be called with no enabled accounts")
		return nil, nil
	}
	d := newTestDispatcher(t, fs, do)
	_, err := d.Dispatch(context.Background(), Request{Body: []byte(`{}`), Endpoint: "/x"})
	require.Error(t, err)
}

func TestDispatch_NonRetryable4xxFailsImmediately(t *testing.T) {
	fs := newFakeStore()
	fs.accounts["a1"] = newHealthyAccount("a1")

	var calls int32
	do := func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(400, "bad request"), nil
	}

	d := newTestDispatcher(t, fs, do)
	_, err := d.Dispatch(context.Background(), Request{Body: []byte(`{}`), Endpoint: "/x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatch_ConcurrentIdenticalFingerprintsEachRunIndependently(t *testing.T) {
	// The dispatcher itself no longer coalesces or rejects identical
	// fingerprints; that's handled one layer up in httpapi so it can
	// also cover endpoints that never reach the dispatcher. Two calls
	// sharing a Fingerprint should each hit the upstream once.
	fs := newFakeStore()
	fs.accounts["a1"] = newHealthyAccount("a1")

	var calls int32
	do := func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(200, `{"ok":true}`), nil
	}

	d := newTestDispatcher(t, fs, do)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), Request{Fingerprint: "fp1", Body: []byte(`{}`), Endpoint: "/x"})
			results[idx] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	for _, err := range results {
		assert.NoError(t, err)
	}
}
