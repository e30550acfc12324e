// Package adminrpc exposes account and key lifecycle management as
// in-core Go functions rather than HTTP handlers, for an external admin
// console to call directly — the gateway itself never serves these
// over HTTP.
package adminrpc

import (
	"context"

	"github.com/kiroq-gateway/gateway/internal/account"
	"github.com/kiroq-gateway/gateway/internal/authkey"
	"github.com/kiroq-gateway/gateway/internal/httpapi"
	"github.com/kiroq-gateway/gateway/internal/logging"
	"github.com/kiroq-gateway/gateway/internal/model"
)

// Admin bundles the account store and key manager an operator's
// tooling needs for import/list/disable/delete and key issuance.
type Admin struct {
	accounts *account.Store
	keys     *authkey.Manager
}

// New builds an Admin over the given account store and key manager.
func New(accounts *account.Store, keys *authkey.Manager) *Admin {
	return &Admin{accounts: accounts, keys: keys}
}

// ImportAccount registers a new Kiro/Amazon Q account from an
// operator-supplied refresh token, rejecting a duplicate by
// refresh-token hash or email.
func (a *Admin) ImportAccount(ctx context.Context, acc *model.Account) (*model.Account, error) {
	return a.accounts.CreateFromTokens(ctx, acc)
}

// ListAccounts returns every enabled account, or every disabled one
// when onlyDisabled is true.
func (a *Admin) ListAccounts(ctx context.Context, onlyDisabled bool) ([]*model.Account, error) {
	if onlyDisabled {
		return a.accounts.ListDisabled(ctx)
	}
	return a.accounts.ListEnabled(ctx)
}

// DisableAccount marks one account disabled with an operator-supplied
// reason, independent of the automatic error/quota thresholds
// RecordOutcome applies during normal dispatch.
func (a *Admin) DisableAccount(ctx context.Context, accountID, reason string) error {
	return a.accounts.Disable(ctx, accountID, reason)
}

// DeleteAccount permanently removes an account and its credentials.
func (a *Admin) DeleteAccount(ctx context.Context, accountID string) error {
	return a.accounts.Delete(ctx, accountID)
}

// IssueKey mints a new gateway API key scoped by opts.
func (a *Admin) IssueKey(ctx context.Context, opts authkey.IssueOptions) (string, *model.SecureKey, error) {
	return a.keys.GenerateSecureKey(ctx, opts)
}

// RevokeKey disables a key so Verify rejects it on every future call.
func (a *Admin) RevokeKey(ctx context.Context, keyID string) error {
	return a.keys.Revoke(ctx, keyID)
}

// RotateKey revokes keyID and issues a replacement with the same
// scope, for operators rolling a leaked key without re-provisioning
// every caller's ACL from scratch.
func (a *Admin) RotateKey(ctx context.Context, keyID string) (string, *model.SecureKey, error) {
	return a.keys.Rotate(ctx, keyID)
}

// RecentLogs returns the last n logrus entries captured process-wide,
// for an operator console polling gateway health without tailing
// stdout directly.
func (a *Admin) RecentLogs(n int) []logging.LogEntry {
	return logging.GetRecentGlobalEntries(n)
}

// RecentAudit returns the last redacted HTTP request/response records,
// for diagnosing a caller's dispatch outcome without reading raw logs.
func (a *Admin) RecentAudit() []httpapi.AuditEntry {
	return httpapi.RecentAudit()
}
