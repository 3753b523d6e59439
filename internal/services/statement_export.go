package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"clinicBack/internal/models"
	"clinicBack/internal/money"
)

type StatementStore interface {
	ClinicByID(ctx context.Context, id string) (models.Clinic, error)
	ClinicStatementEntries(ctx context.Context, clinicID string, from, to time.Time) ([]models.ClinicTransaction, error)
}

// StatementExporter renders clinic ledger statements as XLSX workbooks.
type StatementExporter struct {
	store StatementStore
	loc   *time.Location
}

func NewStatementExporter(store StatementStore, loc *time.Location) *StatementExporter {
	if loc == nil {
		loc = time.UTC
	}
	return &StatementExporter{store: store, loc: loc}
}

const statementSheet = "Statement"

var statementHeaders = []string{"Date", "Type", "Description", "Amount", "From held", "From wallet", "Currency", "Appointment", "Transfer"}

// ClinicStatement writes the visible entries created in [from, to) to w and
// returns the number of rows written.
func (e *StatementExporter) ClinicStatement(ctx context.Context, clinicID string, from, to time.Time, w io.Writer) (int, error) {
	if !from.Before(to) {
		return 0, fmt.Errorf("statement range %s..%s: %w", from.Format(time.DateOnly), to.Format(time.DateOnly), models.ErrInvalidAmount)
	}
	clinic, err := e.store.ClinicByID(ctx, clinicID)
	if err != nil {
		return 0, err
	}
	entries, err := e.store.ClinicStatementEntries(ctx, clinicID, from, to)
	if err != nil {
		return 0, fmt.Errorf("statement entries: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	index, err := f.NewSheet(statementSheet)
	if err != nil {
		return 0, err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, err
	}

	for i, h := range statementHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(statementSheet, cell, h); err != nil {
			return 0, err
		}
	}
	for i, t := range entries {
		row := i + 2
		values := []any{
			t.CreatedAt.In(e.loc).Format("02.01.2006 15:04"),
			t.Kind,
			t.Description,
			major(t.Amount, t.Currency),
			major(t.HeldAmount, t.Currency),
			major(t.WalletAmount, t.Currency),
			t.Currency,
			t.AppointmentID,
			t.TransferID,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(statementSheet, cell, v); err != nil {
				return 0, err
			}
		}
	}

	summary := [][2]any{
		{"Clinic", clinic.Name},
		{"Held balance", major(clinic.HeldBalance, clinic.Currency)},
		{"Wallet balance", major(clinic.WalletBalance, clinic.Currency)},
	}
	for i, kv := range summary {
		row := len(entries) + 3 + i
		if err := f.SetCellValue(statementSheet, fmt.Sprintf("A%d", row), kv[0]); err != nil {
			return 0, err
		}
		if err := f.SetCellValue(statementSheet, fmt.Sprintf("B%d", row), kv[1]); err != nil {
			return 0, err
		}
	}

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write statement: %w", err)
	}
	return len(entries), nil
}

// major renders minor units as a major-unit number for spreadsheet cells.
func major(minor int64, currency string) float64 {
	m, err := money.Signed(minor, currency)
	if err != nil {
		return float64(minor)
	}
	f, _ := m.ToMajor().Float64()
	return f
}
