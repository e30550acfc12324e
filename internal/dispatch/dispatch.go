// Package dispatch drives one caller request end to end: pick an
// account, make sure its token is fresh, send the translated request
// to Kiro, classify any failure and retry against another account when
// the classifier says to, and hand the response to a stream emitter.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kiroq-gateway/gateway/internal/account"
	"github.com/kiroq-gateway/gateway/internal/classifier"
	apperrors "github.com/kiroq-gateway/gateway/internal/errors"
	"github.com/kiroq-gateway/gateway/internal/model"
	"github.com/kiroq-gateway/gateway/internal/quota"
	"github.com/kiroq-gateway/gateway/internal/refresh"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxAttempts is how many accounts the dispatcher is willing to
// try for a single caller request before giving up.
const DefaultMaxAttempts = 3

// Request is one normalized upstream call, already translated into the
// conversationState wire format. Fingerprint identifies the call for
// logging only; request-level deduplication happens one layer up, in
// the HTTP handlers, since it must also cover endpoints (like token
// counting) that never reach the dispatcher.
type Request struct {
	Fingerprint string
	SessionKey  string
	Body        []byte
	Endpoint    string
	PinAccount  string
	AllowedACL  []string
}

// Result is the outcome handed back to the HTTP layer.
type Result struct {
	Account    *model.Account
	StatusCode int
	Body       []byte
	Attempts   int
}

// HTTPDo is the transport seam so tests can swap in a fake upstream
// without opening a real socket.
type HTTPDo func(ctx context.Context, acc *model.Account, body []byte, endpoint string) (*http.Response, error)

// Dispatcher wires account selection, token refresh, quota tracking and
// error classification around one upstream transport.
type Dispatcher struct {
	accounts    *account.Store
	refresher   *refresh.Refresher
	quota       *quota.Tracker
	do          HTTPDo
	maxAttempts int
}

// New builds a Dispatcher. do performs the actual upstream HTTP call;
// production wiring passes a function backed by a pooled *http.Client,
// tests pass a stub that inspects the account/body it was given.
func New(accounts *account.Store, refresher *refresh.Refresher, tracker *quota.Tracker, do HTTPDo) *Dispatcher {
	return &Dispatcher{
		accounts:    accounts,
		refresher:   refresher,
		quota:       tracker,
		do:          do,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Dispatch runs the Select -> Refresh -> Send state machine, retrying
// against a different account whenever the classifier's verdict calls
// for it, up to maxAttempts.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	return d.dispatchAttempts(ctx, req)
}

// dispatchAttempts runs the Select -> Refresh -> Send retry loop.
func (d *Dispatcher) dispatchAttempts(ctx context.Context, req Request) (*Result, error) {
	var lastErr error
	var lastAcc *model.Account
	excluded := map[string]bool{}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		acc, err := d.accounts.Select(ctx, account.SelectionOptions{
			PinnedAccountID:   req.PinAccount,
			AllowedAccountIDs: req.AllowedACL,
		})
		if err != nil {
			return nil, err
		}
		if excluded[acc.ID] {
			continue
		}
		lastAcc = acc

		if acc.ExpiresAt != nil && acc.ExpiresAt.Before(time.Now()) {
			acc, err = d.refresher.Refresh(ctx, acc.ID)
			if err != nil {
				excluded[lastAcc.ID] = true
				lastErr = err
				continue
			}
		}

		resp, sendErr := d.do(ctx, acc, req.Body, req.Endpoint)
		if sendErr != nil {
			cls := classifier.ClassifyTransportError(sendErr)
			d.applyClassification(ctx, acc, cls)
			lastErr = sendErr
			if cls.Action == classifier.ActionFail {
				break
			}
			excluded[acc.ID] = true
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			excluded[acc.ID] = true
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = d.accounts.RecordOutcome(ctx, acc.ID, true, false)
			if d.quota != nil {
				_ = d.quota.RecordRequest(ctx, acc.ID)
				if req.SessionKey != "" {
					_ = d.quota.BindSession(ctx, req.SessionKey, acc.ID)
				}
			}
			return &Result{Account: acc, StatusCode: resp.StatusCode, Body: body, Attempts: attempt}, nil
		}

		cls := classifier.ClassifyHTTP(resp.StatusCode, string(body))
		d.applyClassification(ctx, acc, cls)
		lastErr = apperrors.UpstreamError(resp.StatusCode, fmt.Sprintf("kiro upstream returned %d", resp.StatusCode), nil)

		switch cls.Action {
		case classifier.ActionRefreshAndRetry:
			if _, rerr := d.refresher.Refresh(ctx, acc.ID); rerr != nil {
				excluded[acc.ID] = true
			}
		case classifier.ActionDisableAccount:
			excluded[acc.ID] = true
		case classifier.ActionRetryOther:
			excluded[acc.ID] = true
		case classifier.ActionThrottle:
			if d.quota != nil {
				_ = d.quota.RecordThrottle(ctx, acc.ID)
			}
			excluded[acc.ID] = true
		case classifier.ActionRetrySame:
			// fall through to the next loop iteration against the same pool;
			// Select may legitimately hand back the same account.
		case classifier.ActionFail:
			return nil, lastErr
		}
	}

	log.Warnf("dispatch: exhausted %d attempts for fingerprint %s, last account %v: %v", d.maxAttempts, req.Fingerprint, accountID(lastAcc), lastErr)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, apperrors.Overloaded("no account was able to serve this request", nil)
}

func accountID(a *model.Account) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func (d *Dispatcher) applyClassification(ctx context.Context, acc *model.Account, cls classifier.Classification) {
	switch cls.Action {
	case classifier.ActionDisableAccount:
		_ = d.accounts.RecordOutcome(ctx, acc.ID, false, cls.Kind == classifier.KindQuota)
	default:
		_ = d.accounts.RecordOutcome(ctx, acc.ID, false, false)
	}
}

