// Package refresh coordinates OAuth access-token renewal across every
// gateway worker sharing an account store: a file lock keyed by
// account id serializes refreshes, a re-read after acquiring the lock
// lets a racing worker discover the token was already renewed, and a
// debounce window prevents hammering the OIDC endpoint.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/kiroq-gateway/gateway/internal/errors"
	"github.com/kiroq-gateway/gateway/internal/lock"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/store"
	log "github.com/sirupsen/logrus"
)

// DebounceWindow is the minimum interval between two refreshes of the
// same account, even across processes.
const DebounceWindow = 60 * time.Second

const defaultRegion = "us-east-1"

// tokenRequest is the OIDC refresh body, camelCase per the gateway's
// wire contract with oidc.{region}.amazonaws.com.
type tokenRequest struct {
	GrantType    string `json:"grantType"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Refresher renews access tokens for pooled accounts.
type Refresher struct {
	db     store.Store
	locker *lock.FileLock
	client *http.Client
}

// New constructs a Refresher. client may be nil to use http.DefaultClient.
func New(db store.Store, locker *lock.FileLock, client *http.Client) *Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Refresher{db: db, locker: locker, client: client}
}

// Refresh renews accountID's access token if needed, implementing the
// full lock -> re-read -> skip-checks -> provider-dispatch -> POST ->
// write-back algorithm. It returns the up-to-date account whether or
// not a network refresh actually happened.
func (r *Refresher) Refresh(ctx context.Context, accountID string) (*model.Account, error) {
	handle, err := r.locker.Acquire(accountID)
	if err != nil {
		return nil, fmt.Errorf("refresh: acquire lock for %s: %w", accountID, err)
	}
	defer handle.Release()

	acc, err := r.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("account %q not found", accountID), nil)
	}

	now := time.Now().UTC()

	if !acc.TokenExpired(now) {
		return acc, nil
	}

	if acc.LastRefreshTime != nil && now.Sub(*acc.LastRefreshTime) < DebounceWindow {
		return acc, nil
	}

	resp, err := r.postRefresh(ctx, acc)
	if err != nil {
		acc.LastRefreshTime = &now
		acc.LastRefreshStatus = model.RefreshFailed
		if uerr, ok := err.(*apperrors.AppError); ok && uerr.HTTPStatusCode == http.StatusUnauthorized {
			acc.LastRefreshStatus = model.RefreshUnauthorized
		}
		if putErr := r.db.UpsertAccount(ctx, acc); putErr != nil {
			log.WithError(putErr).WithField("account_id", accountID).Warn("refresh: failed persisting failure status")
		}
		return nil, apperrors.UpstreamError(http.StatusBadGateway, "token refresh failed", err)
	}

	acc.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		acc.RefreshToken = resp.RefreshToken
	}
	if resp.ExpiresIn > 0 {
		expiry := now.Add(time.Duration(resp.ExpiresIn) * time.Second)
		acc.ExpiresAt = &expiry
	}
	acc.LastRefreshTime = &now
	acc.LastRefreshStatus = model.RefreshSuccess

	if err := r.db.UpsertAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *Refresher) postRefresh(ctx context.Context, acc *model.Account) (*tokenResponse, error) {
	region := acc.Region(defaultRegion)
	url := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)

	body, err := json.Marshal(tokenRequest{
		GrantType:    "refresh_token",
		ClientID:     acc.ClientID,
		ClientSecret: acc.ClientSecret,
		RefreshToken: acc.RefreshToken,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(resp.StatusCode, apperrors.TypeUpstream, "oidc_refresh_failed",
			fmt.Sprintf("oidc refresh returned %d: %s", resp.StatusCode, string(data)), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("refresh: decode token response: %w", err)
	}
	return &tr, nil
}

// Background runs Refresh over every enabled account on interval until
// ctx is cancelled, matching the gateway's scheduled refresh sweep.
func (r *Refresher) Background(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Refresher) sweepOnce(ctx context.Context) {
	t := true
	accounts, err := r.db.ListAccounts(ctx, &t)
	if err != nil {
		log.WithError(err).Warn("refresh: sweep failed listing accounts")
		return
	}
	for _, acc := range accounts {
		if !acc.TokenExpired(time.Now().UTC()) {
			continue
		}
		if _, err := r.Refresh(ctx, acc.ID); err != nil {
			log.WithError(err).WithField("account_id", acc.ID).Warn("refresh: sweep refresh failed")
		}
	}
}
