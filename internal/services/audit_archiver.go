package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"clinicBack/internal/models"
)

// ObjectPutter stores a blob under a key and returns its location.
type ObjectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AuditArchiver keeps held balance divergence reports for later inspection.
type AuditArchiver interface {
	Archive(ctx context.Context, audits []models.HeldBalanceAudit) (string, error)
}

type heldAuditReport struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Diverged    int                       `json:"diverged"`
	Audits      []models.HeldBalanceAudit `json:"audits"`
}

// ObjectAuditArchiver writes reports as JSON objects under
// <prefix>/<yyyy-mm-dd>/<hhmmss>.json.
type ObjectAuditArchiver struct {
	store  ObjectPutter
	prefix string
	now    func() time.Time
}

func NewObjectAuditArchiver(store ObjectPutter, prefix string) *ObjectAuditArchiver {
	if prefix == "" {
		prefix = "held-balance-audits"
	}
	return &ObjectAuditArchiver{store: store, prefix: prefix, now: time.Now}
}

func (a *ObjectAuditArchiver) Archive(ctx context.Context, audits []models.HeldBalanceAudit) (string, error) {
	now := a.now().UTC()
	report := heldAuditReport{GeneratedAt: now, Audits: audits}
	for _, au := range audits {
		if au.Diverged {
			report.Diverged++
		}
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode audit report: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, now.Format(time.DateOnly), now.Format("150405"))
	return a.store.Put(ctx, key, body, "application/json")
}
