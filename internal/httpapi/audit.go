package httpapi

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kiroq-gateway/gateway/internal/util"
)

// AuditEntry is a redacted record of one non-GET request, kept around so
// an operator can inspect recent traffic without re-reading raw logs.
type AuditEntry struct {
	RequestID string
	Timestamp time.Time
	Method    string
	Path      string
	Status    int
	LatencyMs int64
	Body      []byte
}

const maxAuditEntries = 200

var (
	auditMu  sync.Mutex
	auditLog []AuditEntry
)

// RecentAudit returns a copy of the most recent request/response audit
// entries, oldest first.
func RecentAudit() []AuditEntry {
	auditMu.Lock()
	defer auditMu.Unlock()
	out := make([]AuditEntry, len(auditLog))
	copy(out, auditLog)
	return out
}

func addAuditEntry(e AuditEntry) {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditLog = append(auditLog, e)
	if len(auditLog) > maxAuditEntries {
		auditLog = auditLog[len(auditLog)-maxAuditEntries:]
	}
}

// auditMiddleware captures a redacted copy of each POST body alongside
// its outcome, restoring the original body so downstream handlers see
// it unchanged.
func auditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Body == nil {
			c.Next()
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Next()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		start := time.Now()
		c.Next()

		addAuditEntry(AuditEntry{
			RequestID: c.GetString("requestID"),
			Timestamp: start,
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Status:    c.Writer.Status(),
			LatencyMs: time.Since(start).Milliseconds(),
			Body:      util.RedactSensitiveJSON(raw),
		})
	}
}
