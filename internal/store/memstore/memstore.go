// Package memstore is an in-memory implementation of the service
// repositories. It backs the "memory" store driver and the service tests, and
// honours the same atomicity and uniqueness rules as the Postgres store.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/wallet"

	"github.com/google/uuid"
)

var errUnavailable = errors.New("memstore: unavailable")

// Store holds everything in maps behind one mutex.
type Store struct {
	mu sync.Mutex

	orders     map[string]*models.Order
	orderKeys  map[string][]string
	intents    map[string]*models.PaymentIntent
	intentKeys map[string]string
	wallets    map[string]*models.WalletAccount
	txs        map[string][]models.WalletTransaction
	withdraws  map[string]*models.WithdrawalRequest
	events     map[string]models.ProcessedEvent

	itemSeq     int64
	txSeq       int64
	failCreates int
	loseCreates int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		orders:     make(map[string]*models.Order),
		orderKeys:  make(map[string][]string),
		intents:    make(map[string]*models.PaymentIntent),
		intentKeys: make(map[string]string),
		wallets:    make(map[string]*models.WalletAccount),
		txs:        make(map[string][]models.WalletTransaction),
		withdraws:  make(map[string]*models.WithdrawalRequest),
		events:     make(map[string]models.ProcessedEvent),
	}
}

// FailCreates makes the next n CreateOrders calls fail without writing.
func (s *Store) FailCreates(n int) {
	s.mu.Lock()
	s.failCreates = n
	s.mu.Unlock()
}

// LoseCreates makes the next n CreateOrders calls write the orders and then
// report a failure, as if the response was lost.
func (s *Store) LoseCreates(n int) {
	s.mu.Lock()
	s.loseCreates = n
	s.mu.Unlock()
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

func cloneOrder(o *models.Order) models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return c
}

func (s *Store) CreateOrders(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return fmt.Errorf("no orders to create")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreates > 0 {
		s.failCreates--
		return errUnavailable
	}
	key := orders[0].IdempotencyKey
	if _, ok := s.orderKeys[key]; ok {
		return fmt.Errorf("idempotency key %s: %w", key, apperr.ErrDuplicateKey)
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		c := cloneOrder(o)
		for j := range c.Items {
			s.itemSeq++
			c.Items[j].ID = s.itemSeq
			c.Items[j].OrderID = c.ID
		}
		s.orders[c.ID] = &c
		ids[i] = c.ID
	}
	s.orderKeys[key] = ids

	if s.loseCreates > 0 {
		s.loseCreates--
		return errUnavailable
	}
	return nil
}

func (s *Store) GetOrdersByIdempotencyKey(ctx context.Context, key string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.orderKeys[key]
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneOrder(s.orders[id]))
	}
	return out, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	c := cloneOrder(o)
	return &c, nil
}

func (s *Store) GetOrdersByIDs(ctx context.Context, ids []string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.orders[id]; ok {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) (*models.Page[models.Order], error) {
	f.Page, f.Limit = models.Normalize(f.Page, f.Limit)
	s.mu.Lock()
	var matched []models.Order
	for _, o := range s.orders {
		if (f.UserID != "" && o.UserID != f.UserID) ||
			(f.SellerID != "" && o.SellerID != f.SellerID) ||
			(f.Status != "" && o.Status != f.Status) ||
			(f.PaymentStatus != "" && o.PaymentStatus != f.PaymentStatus) {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		if matched[i].IdempotencyKey != matched[j].IdempotencyKey {
			return matched[i].IdempotencyKey < matched[j].IdempotencyKey
		}
		return matched[i].Position < matched[j].Position
	})
	return paginate(matched, f.Page, f.Limit), nil
}

func (s *Store) UpdateOrders(ctx context.Context, ids []string, fn func([]*models.Order) error) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := make([]*models.Order, len(ids))
	for i, id := range ids {
		o, ok := s.orders[id]
		if !ok {
			return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
		}
		c := cloneOrder(o)
		work[i] = &c
	}
	if err := fn(work); err != nil {
		return nil, err
	}
	out := make([]models.Order, len(work))
	for i, o := range work {
		s.orders[o.ID] = o
		out[i] = cloneOrder(o)
	}
	return out, nil
}

func (s *Store) SaveIntent(ctx context.Context, in *models.PaymentIntent) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.intentKeys[in.IdempotencyKey]; ok {
		c := *s.intents[id]
		return &c, nil
	}
	c := *in
	s.intents[c.ID] = &c
	s.intentKeys[c.IdempotencyKey] = c.ID
	out := c
	return &out, nil
}

func (s *Store) GetIntentByKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.intentKeys[key]
	if !ok {
		return nil, fmt.Errorf("intent for %s: %w", key, apperr.ErrNotFound)
	}
	c := *s.intents[id]
	return &c, nil
}

func (s *Store) GetIntentByID(ctx context.Context, id string) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, apperr.ErrNotFound)
	}
	c := *in
	return &c, nil
}

func (s *Store) GetWallet(ctx context.Context, sellerID string) (*models.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[sellerID]
	if !ok {
		return nil, fmt.Errorf("wallet of %s: %w", sellerID, apperr.ErrNotFound)
	}
	c := *w
	return &c, nil
}

// walletLocked returns the seller's wallet, creating it. Callers hold s.mu.
func (s *Store) walletLocked(sellerID string) *models.WalletAccount {
	w, ok := s.wallets[sellerID]
	if !ok {
		now := time.Now().UTC()
		w = &models.WalletAccount{ID: uuid.New().String(), SellerID: sellerID, CreatedAt: now, UpdatedAt: now}
		s.wallets[sellerID] = w
	}
	return w
}

// applyLocked appends e to the seller's ledger. Callers hold s.mu.
func (s *Store) applyLocked(sellerID string, e wallet.Entry) (*models.WalletTransaction, bool, error) {
	w := s.walletLocked(sellerID)
	for _, tx := range s.txs[w.ID] {
		if tx.Type == e.Type && tx.Reference == e.Reference {
			c := tx
			return &c, false, nil
		}
	}
	acct := *w
	tx, err := wallet.Apply(&acct, e)
	if err != nil {
		return nil, false, err
	}
	*w = acct
	s.txSeq++
	tx.Seq = s.txSeq
	s.txs[w.ID] = append(s.txs[w.ID], *tx)
	return tx, true, nil
}

func (s *Store) ApplyEntry(ctx context.Context, sellerID string, e wallet.Entry) (*models.WalletTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(sellerID, e)
}

func (s *Store) Ledger(ctx context.Context, sellerID string) ([]models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[sellerID]
	if !ok {
		return nil, nil
	}
	return append([]models.WalletTransaction(nil), s.txs[w.ID]...), nil
}

func (s *Store) ListTransactions(ctx context.Context, sellerID string, page, limit int) (*models.Page[models.WalletTransaction], error) {
	txs, _ := s.Ledger(ctx, sellerID)
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return paginate(txs, page, limit), nil
}

func (s *Store) ListWallets(ctx context.Context, page, limit int) (*models.Page[models.WalletAccount], error) {
	s.mu.Lock()
	all := make([]models.WalletAccount, 0, len(s.wallets))
	for _, w := range s.wallets {
		all = append(all, *w)
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].TotalEarnings != all[j].TotalEarnings {
			return all[i].TotalEarnings > all[j].TotalEarnings
		}
		return all[i].SellerID < all[j].SellerID
	})
	return paginate(all, page, limit), nil
}

func (s *Store) WalletOverview(ctx context.Context) (*models.WalletOverview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := &models.WalletOverview{Wallets: len(s.wallets)}
	for _, w := range s.wallets {
		ov.TotalBalance += w.Balance
		ov.TotalEarnings += w.TotalEarnings
		ov.TotalWithdrawn += w.TotalWithdrawn
	}
	for _, w := range s.withdraws {
		if w.Status == models.WithdrawalStatusPending {
			ov.PendingWithdrawals++
			ov.PendingAmount += w.Amount
		}
	}
	return ov, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	s.withdraws[c.ID] = &c
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdraws[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (s *Store) UpdateWithdrawal(ctx context.Context, id string, fn func(*models.WithdrawalRequest) error) (*models.WithdrawalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdraws[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	c := *w
	if err := fn(&c); err != nil {
		return nil, err
	}
	s.withdraws[id] = &c
	out := c
	return &out, nil
}

func (s *Store) CompleteWithdrawal(ctx context.Context, id, transactionID string) (*models.WithdrawalRequest, *models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdraws[id]
	if !ok {
		return nil, nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	c := *w
	if err := wallet.CheckProcess(&c, transactionID); err != nil {
		return nil, nil, err
	}
	tx, _, err := s.applyLocked(c.SellerID, wallet.PayoutEntry(&c, transactionID))
	if err != nil {
		return nil, nil, err
	}
	if err := wallet.Process(&c, transactionID); err != nil {
		return nil, nil, err
	}
	s.withdraws[id] = &c
	out := c
	return &out, tx, nil
}

func (s *Store) ListWithdrawals(ctx context.Context, status string, page, limit int) (*models.Page[models.WithdrawalRequest], error) {
	s.mu.Lock()
	var matched []models.WithdrawalRequest
	for _, w := range s.withdraws {
		if status == "" || w.Status == status {
			matched = append(matched, *w)
		}
	}
	s.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, page, limit), nil
}

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	}
	return nil
}

func paginate[T any](items []T, page, limit int) *models.Page[T] {
	page, limit = models.Normalize(page, limit)
	total := len(items)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return &models.Page[T]{Items: out, Page: page, Limit: limit, Total: total}
}
