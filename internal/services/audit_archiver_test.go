package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"clinicBack/internal/models"
)

type stubPutter struct {
	key, contentType string
	body             []byte
}

func (p *stubPutter) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	p.key, p.body, p.contentType = key, body, contentType
	return "s3://bucket/" + key, nil
}

func TestObjectAuditArchiver(t *testing.T) {
	put := &stubPutter{}
	a := NewObjectAuditArchiver(put, "")
	a.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	loc, err := a.Archive(context.Background(), []models.HeldBalanceAudit{
		{ClinicID: "c1", Currency: "USD", Stored: 4000, Computed: 5000, Diverged: true},
	})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if put.key != "held-balance-audits/2026-03-04/050607.json" || !strings.HasSuffix(loc, put.key) {
		t.Fatalf("unexpected key %q (%q)", put.key, loc)
	}
	if put.contentType != "application/json" {
		t.Fatalf("unexpected content type %q", put.contentType)
	}
	var report heldAuditReport
	if err := json.Unmarshal(put.body, &report); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if report.Diverged != 1 || report.Audits[0].Computed != 5000 {
		t.Fatalf("unexpected report %+v", report)
	}
}
