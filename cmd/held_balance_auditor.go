package main

import (
	"context"
	"log"
	"time"

	"clinicBack/internal/models"
	"clinicBack/internal/services"
)

const heldAuditorTimeout = 2 * time.Minute

type heldAuditor interface {
	AuditAll(ctx context.Context) ([]models.HeldBalanceAudit, error)
}

// startHeldBalanceAuditor compares stored held balances with the ledger on
// every tick. Reports with divergence are archived when an archiver is set.
func startHeldBalanceAuditor(ctx context.Context, svc heldAuditor, archiver services.AuditArchiver, interval time.Duration, infoLog, errorLog *log.Logger) {
	if svc == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runHeldAudit(ctx, svc, archiver, infoLog, errorLog)
			}
		}
	}()
}

func runHeldAudit(ctx context.Context, svc heldAuditor, archiver services.AuditArchiver, infoLog, errorLog *log.Logger) int {
	runCtx, cancel := context.WithTimeout(ctx, heldAuditorTimeout)
	defer cancel()

	audits, err := svc.AuditAll(runCtx)
	if err != nil {
		errorLog.Printf("held auditor: audit failed: %v", err)
		return 0
	}
	diverged := 0
	for _, a := range audits {
		if a.Diverged {
			diverged++
			errorLog.Printf("held auditor: clinic %s stored %d computed %d %s", a.ClinicID, a.Stored, a.Computed, a.Currency)
		}
	}
	if diverged == 0 {
		return 0
	}
	if archiver != nil {
		location, err := archiver.Archive(runCtx, audits)
		if err != nil {
			errorLog.Printf("held auditor: archive failed: %v", err)
		} else {
			infoLog.Printf("held auditor: %d divergent clinics, report at %s", diverged, location)
		}
	}
	return diverged
}
