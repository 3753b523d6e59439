package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"clinicBack/internal/fsm"
	"clinicBack/internal/models"
	"clinicBack/internal/repositories"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory settlement database. InTx serializes work and
// rolls every change back when fn fails.
type memStore struct {
	mu           sync.Mutex
	appointments map[string]models.Appointment
	clinics      map[string]models.Clinic
	users        map[string]models.User
	clinicTxs    []models.ClinicTransaction
	userTxs      []models.UserTransaction
	events       map[string]models.PaymentEvent

	// hidden keys and staleUsage make in-transaction reads miss rows a
	// concurrent transaction committed, as read committed allows.
	hidden     map[string]bool
	staleUsage func(holdID string, released, refunded int64) (int64, int64)
}

func newMemStore() *memStore {
	return &memStore{
		appointments: map[string]models.Appointment{},
		clinics:      map[string]models.Clinic{},
		users:        map[string]models.User{},
		events:       map[string]models.PaymentEvent{},
		hidden:       map[string]bool{},
	}
}

func (s *memStore) hideKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[key] = true
}

func (s *memStore) setStaleUsage(fn func(holdID string, released, refunded int64) (int64, int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleUsage = fn
}

type memSnapshot struct {
	appointments map[string]models.Appointment
	clinics      map[string]models.Clinic
	clinicTxs    []models.ClinicTransaction
	userTxs      []models.UserTransaction
}

func (s *memStore) snapshot() memSnapshot {
	snap := memSnapshot{
		appointments: make(map[string]models.Appointment, len(s.appointments)),
		clinics:      make(map[string]models.Clinic, len(s.clinics)),
		clinicTxs:    append([]models.ClinicTransaction(nil), s.clinicTxs...),
		userTxs:      append([]models.UserTransaction(nil), s.userTxs...),
	}
	for k, v := range s.appointments {
		snap.appointments[k] = v
	}
	for k, v := range s.clinics {
		snap.clinics[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.appointments = snap.appointments
	s.clinics = snap.clinics
	s.clinicTxs = snap.clinicTxs
	s.userTxs = snap.userTxs
}

func (s *memStore) InTx(ctx context.Context, fn func(tx repositories.SettlementTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&memTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *memStore) addClinic(c models.Clinic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics[c.ID] = c
}

func (s *memStore) addAppointment(a models.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[a.ID] = a
}

func (s *memStore) addUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) clinic(id string) models.Clinic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clinics[id]
}

func (s *memStore) appointment(id string) models.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appointments[id]
}

func (s *memStore) clinicEntries(kind string) []models.ClinicTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ClinicTransaction
	for _, t := range s.clinicTxs {
		if kind == "" || t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) userEntries(kind string) []models.UserTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserTransaction
	for _, t := range s.userTxs {
		if kind == "" || t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// read side

func (s *memStore) ClinicByID(ctx context.Context, id string) (models.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).ClinicForUpdate(ctx, id)
}

func (s *memStore) UserByID(ctx context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).UserByID(ctx, id)
}

func (s *memStore) AppointmentByID(ctx context.Context, id string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).AppointmentForUpdate(ctx, id)
}

func (s *memStore) ListClinicIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.clinics {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) ComputedHeld(ctx context.Context, clinicID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{s: s}).ComputedHeld(ctx, clinicID)
}

func (t *memTx) ComputedHeld(ctx context.Context, clinicID string) (int64, error) {
	var held int64
	for _, e := range t.s.clinicTxs {
		if e.ClinicID != clinicID {
			continue
		}
		switch e.Kind {
		case models.ClinicTxHold:
			held += e.Amount
		case models.ClinicTxRelease, models.ClinicTxCancelled:
			held -= e.HeldAmount
		}
	}
	return held, nil
}

func (s *memStore) ListVisibleClinicTransactions(ctx context.Context, clinicID string, limit, offset int) ([]models.ClinicTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ClinicTransaction
	for i := len(s.clinicTxs) - 1; i >= 0; i-- {
		t := s.clinicTxs[i]
		if t.ClinicID == clinicID && t.Visible {
			out = append(out, t)
		}
	}
	return page(out, limit, offset), nil
}

func (s *memStore) CountVisibleClinicTransactions(ctx context.Context, clinicID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.clinicTxs {
		if t.ClinicID == clinicID && t.Visible {
			n++
		}
	}
	return n, nil
}

func (s *memStore) SumVisibleReleases(ctx context.Context, clinicID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, t := range s.clinicTxs {
		if t.ClinicID == clinicID && t.Visible && t.Kind == models.ClinicTxRelease && !t.CreatedAt.Before(since) {
			sum += t.Amount
		}
	}
	return sum, nil
}

func (s *memStore) ClinicStatementEntries(ctx context.Context, clinicID string, from, to time.Time) ([]models.ClinicTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ClinicTransaction
	for _, t := range s.clinicTxs {
		if t.ClinicID == clinicID && t.Visible && !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) ListVisibleUserTransactions(ctx context.Context, userID string, limit, offset int) ([]models.UserTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserTransaction
	for i := len(s.userTxs) - 1; i >= 0; i-- {
		t := s.userTxs[i]
		if t.UserID == userID && t.Visible {
			out = append(out, t)
		}
	}
	return page(out, limit, offset), nil
}

func (s *memStore) CountVisibleUserTransactions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.userTxs {
		if t.UserID == userID && t.Visible {
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// event log

func (s *memStore) SaveEvent(ctx context.Context, e models.PaymentEvent) (models.PaymentEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.events[e.ID]; ok {
		return stored, false, nil
	}
	e.ReceivedAt = time.Now().UTC()
	s.events[e.ID] = e
	return e, true, nil
}

func (s *memStore) EventByID(ctx context.Context, id string) (models.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return e, fmt.Errorf("payment event %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

func (s *memStore) MarkEvent(ctx context.Context, id, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("payment event %s: %w", id, models.ErrNotFound)
	}
	e.Status = status
	e.LastError = lastError
	e.Attempts++
	s.events[id] = e
	return nil
}

func (s *memStore) ListFailedEvents(ctx context.Context, maxAttempts, limit int) ([]models.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentEvent
	for _, e := range s.events {
		if e.Status == models.EventStatusFailed && e.Attempts < maxAttempts {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) event(id string) models.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id]
}

// memTx runs with memStore.mu held.
type memTx struct{ s *memStore }

func (t *memTx) AppointmentForUpdate(ctx context.Context, id string) (models.Appointment, error) {
	a, ok := t.s.appointments[id]
	if !ok {
		return a, fmt.Errorf("appointment %s: %w", id, models.ErrNotFound)
	}
	return a, nil
}

func (t *memTx) AppointmentByIntentForUpdate(ctx context.Context, intentID string) (models.Appointment, error) {
	for _, a := range t.s.appointments {
		if a.PaymentIntentID == intentID {
			return a, nil
		}
	}
	return models.Appointment{}, fmt.Errorf("appointment %s: %w", intentID, models.ErrNotFound)
}

func (t *memTx) CreateAppointment(ctx context.Context, a models.Appointment) error {
	if _, ok := t.s.appointments[a.ID]; ok {
		return models.ErrDuplicateEntry
	}
	if a.PaymentIntentID != "" {
		if _, err := t.AppointmentByIntentForUpdate(ctx, a.PaymentIntentID); err == nil {
			return models.ErrDuplicateEntry
		}
	}
	t.s.appointments[a.ID] = a
	return nil
}

func (t *memTx) TransitionAppointment(ctx context.Context, id string, from, to fsm.State) error {
	if err := fsm.Check(from, to); err != nil {
		return err
	}
	a, ok := t.s.appointments[id]
	if !ok || a.Status != from.Status || a.PaymentStatus != from.PaymentStatus {
		return fmt.Errorf("appointment %s: %w", id, models.ErrNotFound)
	}
	a.Status, a.PaymentStatus = to.Status, to.PaymentStatus
	t.s.appointments[id] = a
	return nil
}

func (t *memTx) SetPaymentReferences(ctx context.Context, id, intentID, chargeID string, amount int64, currency string) error {
	a, ok := t.s.appointments[id]
	if !ok {
		return fmt.Errorf("appointment %s: %w", id, models.ErrNotFound)
	}
	if intentID != "" {
		a.PaymentIntentID = intentID
	}
	if chargeID != "" {
		a.ChargeID = chargeID
	}
	a.Amount, a.Currency = amount, currency
	t.s.appointments[id] = a
	return nil
}

func (t *memTx) ClinicForUpdate(ctx context.Context, id string) (models.Clinic, error) {
	c, ok := t.s.clinics[id]
	if !ok {
		return c, fmt.Errorf("clinic %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func (t *memTx) ClinicByAccount(ctx context.Context, accountID string) (models.Clinic, error) {
	for _, c := range t.s.clinics {
		if accountID != "" && c.ProcessorAccountID == accountID {
			return c, nil
		}
	}
	return models.Clinic{}, fmt.Errorf("clinic %s: %w", accountID, models.ErrNotFound)
}

func (t *memTx) updateClinic(id string, fn func(c *models.Clinic) error) error {
	c, ok := t.s.clinics[id]
	if !ok {
		return fmt.Errorf("clinic %s: %w", id, models.ErrNotFound)
	}
	if err := fn(&c); err != nil {
		return err
	}
	t.s.clinics[id] = c
	return nil
}

func (t *memTx) SetProcessorAccount(ctx context.Context, clinicID, accountID string) error {
	return t.updateClinic(clinicID, func(c *models.Clinic) error {
		if c.ProcessorAccountID != "" {
			return fmt.Errorf("clinic %s processor account: %w", clinicID, models.ErrDuplicateEntry)
		}
		c.ProcessorAccountID = accountID
		return nil
	})
}

func (t *memTx) IncrementHeld(ctx context.Context, clinicID string, amount int64) error {
	return t.updateClinic(clinicID, func(c *models.Clinic) error {
		c.HeldBalance += amount
		return nil
	})
}

func (t *memTx) MoveHeldToWallet(ctx context.Context, clinicID string, amount int64) error {
	return t.updateClinic(clinicID, func(c *models.Clinic) error {
		if c.HeldBalance < amount {
			return models.ErrInsufficientFunds
		}
		c.HeldBalance -= amount
		c.WalletBalance += amount
		return nil
	})
}

func (t *memTx) AbsorbRefund(ctx context.Context, clinicID string, held, wallet int64) error {
	return t.updateClinic(clinicID, func(c *models.Clinic) error {
		if c.HeldBalance < held {
			return models.ErrInsufficientFunds
		}
		c.HeldBalance -= held
		c.WalletBalance -= wallet
		return nil
	})
}

func (t *memTx) DebitWallet(ctx context.Context, clinicID string, amount int64, guard bool) error {
	return t.updateClinic(clinicID, func(c *models.Clinic) error {
		if guard && c.WalletBalance < amount {
			return models.ErrInsufficientFunds
		}
		c.WalletBalance -= amount
		return nil
	})
}

func (t *memTx) UserByID(ctx context.Context, id string) (models.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return u, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u, nil
}

func (t *memTx) InsertClinicTransaction(ctx context.Context, tx models.ClinicTransaction) error {
	for _, e := range t.s.clinicTxs {
		if e.IdempotencyKey == tx.IdempotencyKey {
			return fmt.Errorf("clinic transaction %s: %w", tx.IdempotencyKey, models.ErrDuplicateEntry)
		}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	t.s.clinicTxs = append(t.s.clinicTxs, tx)
	return nil
}

func (t *memTx) ClinicTransactionByKey(ctx context.Context, key string) (models.ClinicTransaction, error) {
	for _, e := range t.s.clinicTxs {
		if e.IdempotencyKey == key && !t.s.hidden[key] {
			return e, nil
		}
	}
	return models.ClinicTransaction{}, fmt.Errorf("clinic transaction %s: %w", key, models.ErrNotFound)
}

func (t *memTx) ClinicTransactionForUpdate(ctx context.Context, id string) (models.ClinicTransaction, error) {
	for _, e := range t.s.clinicTxs {
		if e.ID == id {
			return e, nil
		}
	}
	return models.ClinicTransaction{}, fmt.Errorf("clinic transaction %s: %w", id, models.ErrNotFound)
}

func (t *memTx) HoldUsage(ctx context.Context, holdID string) (released, refunded int64, err error) {
	for _, e := range t.s.clinicTxs {
		if e.HoldTransactionID != holdID {
			continue
		}
		switch e.Kind {
		case models.ClinicTxRelease:
			released += e.HeldAmount
		case models.ClinicTxCancelled:
			refunded += e.HeldAmount
		}
	}
	if t.s.staleUsage != nil {
		released, refunded = t.s.staleUsage(holdID, released, refunded)
	}
	return released, refunded, nil
}

func (t *memTx) OpenHolds(ctx context.Context, clinicID string) ([]models.OpenHold, error) {
	var open []models.OpenHold
	for _, e := range t.s.clinicTxs {
		if e.ClinicID != clinicID || e.Kind != models.ClinicTxHold {
			continue
		}
		released, refunded, _ := t.HoldUsage(ctx, e.ID)
		if remaining := e.Amount - released - refunded; remaining > 0 {
			open = append(open, models.OpenHold{Hold: e, Released: released, Refunded: refunded, Remaining: remaining})
		}
	}
	return open, nil
}

func (t *memTx) AttachTransfer(ctx context.Context, id, transferID string) error {
	for i, e := range t.s.clinicTxs {
		if e.ID == id && e.TransferID == "" {
			t.s.clinicTxs[i].TransferID = transferID
		}
	}
	return nil
}

func (t *memTx) InsertUserTransaction(ctx context.Context, tx models.UserTransaction) error {
	for _, e := range t.s.userTxs {
		if e.IdempotencyKey == tx.IdempotencyKey {
			return fmt.Errorf("user transaction %s: %w", tx.IdempotencyKey, models.ErrDuplicateEntry)
		}
	}
	t.s.userTxs = append(t.s.userTxs, tx)
	return nil
}

func (t *memTx) UserTransactionByKey(ctx context.Context, userID, key string) (models.UserTransaction, error) {
	for _, e := range t.s.userTxs {
		if e.UserID == userID && e.IdempotencyKey == key && !t.s.hidden[key] {
			return e, nil
		}
	}
	return models.UserTransaction{}, fmt.Errorf("user transaction %s: %w", key, models.ErrNotFound)
}

// stubProcessor records calls and returns canned results.
type stubProcessor struct {
	mu          sync.Mutex
	refunds     []string
	refundKeys  []string
	refundErr   error
	transfers   []TransferParams
	transferErr error
	intents     []IntentParams
	balance     models.ProcessorBalance
	accounts    []AccountParams
	accountErr  error
	links       []AccountLinkParams
}

func (p *stubProcessor) CreatePaymentIntent(ctx context.Context, params IntentParams) (IntentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents = append(p.intents, params)
	return IntentResult{ID: fmt.Sprintf("pi_%d", len(p.intents)), ClientSecret: "secret"}, nil
}

func (p *stubProcessor) Refund(ctx context.Context, intentID, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return "", p.refundErr
	}
	p.refunds = append(p.refunds, intentID)
	p.refundKeys = append(p.refundKeys, key)
	return "re_" + intentID, nil
}

func (p *stubProcessor) CreateTransfer(ctx context.Context, params TransferParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transferErr != nil {
		return "", p.transferErr
	}
	p.transfers = append(p.transfers, params)
	return fmt.Sprintf("tr_%d", len(p.transfers)), nil
}

func (p *stubProcessor) RetrieveBalance(ctx context.Context, accountID string) (models.ProcessorBalance, error) {
	b := p.balance
	b.AccountID = accountID
	return b, nil
}

func (p *stubProcessor) CreateConnectedAccount(ctx context.Context, params AccountParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accountErr != nil {
		return "", p.accountErr
	}
	p.accounts = append(p.accounts, params)
	return fmt.Sprintf("acct_%d", len(p.accounts)), nil
}

func (p *stubProcessor) CreateAccountLink(ctx context.Context, params AccountLinkParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links = append(p.links, params)
	return "https://connect.example/setup/" + params.AccountID, nil
}

type sentNotification struct {
	owner, id string
	n         Notification
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *stubNotifier) NotifyClinic(ctx context.Context, clinicID string, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{models.OwnerClinic, clinicID, msg})
	return nil
}

func (n *stubNotifier) NotifyUser(ctx context.Context, userID string, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{models.OwnerUser, userID, msg})
	return nil
}

func (n *stubNotifier) count(owner string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.owner == owner {
			c++
		}
	}
	return c
}

type stubFeed struct {
	mu      sync.Mutex
	updates []models.BalanceUpdate
}

func (f *stubFeed) PublishClinicBalance(u models.BalanceUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

// jsonParser parses the payloads the tests store: a ProcessorEvent as JSON.
type jsonParser struct{}

func (jsonParser) ParseEvent(payload []byte) (models.ProcessorEvent, error) {
	var ev models.ProcessorEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, err
	}
	ev.Payload = payload
	return ev, nil
}
