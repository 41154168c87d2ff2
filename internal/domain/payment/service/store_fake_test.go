package service

import (
	"context"
	"fmt"
	orderModel "order_payment/internal/domain/order/model"
	orderRepo "order_payment/internal/domain/order/repository"
	"order_payment/internal/domain/payment/model"
	"order_payment/internal/domain/payment/repository"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// fakeDB 内存实现，事务整体串行执行以模拟行锁，出错时回滚到事务开始前的快照
type fakeDB struct {
	txMu sync.Mutex
	mu   sync.Mutex

	orders   map[string]orderModel.Order
	items    map[string][]orderModel.OrderItem
	products map[string]orderModel.Product
	txs      map[string]model.Transaction
	events   map[string]model.WebhookEvent
	seq      int

	// failOn 指定操作返回错误，用于验证回滚
	failOn map[string]error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		orders:   map[string]orderModel.Order{},
		items:    map[string][]orderModel.OrderItem{},
		products: map[string]orderModel.Product{},
		txs:      map[string]model.Transaction{},
		events:   map[string]model.WebhookEvent{},
		failOn:   map[string]error{},
	}
}

type fakeSnapshot struct {
	orders   map[string]orderModel.Order
	items    map[string][]orderModel.OrderItem
	products map[string]orderModel.Product
	txs      map[string]model.Transaction
	events   map[string]model.WebhookEvent
}

func (d *fakeDB) snapshot() fakeSnapshot {
	s := fakeSnapshot{
		orders:   make(map[string]orderModel.Order, len(d.orders)),
		items:    make(map[string][]orderModel.OrderItem, len(d.items)),
		products: make(map[string]orderModel.Product, len(d.products)),
		txs:      make(map[string]model.Transaction, len(d.txs)),
		events:   make(map[string]model.WebhookEvent, len(d.events)),
	}
	for k, v := range d.orders {
		s.orders[k] = v
	}
	for k, v := range d.items {
		s.items[k] = append([]orderModel.OrderItem(nil), v...)
	}
	for k, v := range d.products {
		s.products[k] = v
	}
	for k, v := range d.txs {
		s.txs[k] = v
	}
	for k, v := range d.events {
		s.events[k] = v
	}
	return s
}

func (d *fakeDB) restore(s fakeSnapshot) {
	d.orders, d.items, d.products, d.txs, d.events = s.orders, s.items, s.products, s.txs, s.events
}

func (d *fakeDB) fail(op string) error {
	return d.failOn[op]
}

// 测试辅助

func (d *fakeDB) putOrder(order orderModel.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	items := order.Items
	order.Items = nil
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		items[i].OrderID = order.ID
	}
	d.orders[order.ID] = order
	d.items[order.ID] = items
}

func (d *fakeDB) putProduct(p orderModel.Product) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.products[p.ID] = p
}

func (d *fakeDB) order(id string) orderModel.Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	o := d.orders[id]
	o.Items = append([]orderModel.OrderItem(nil), d.items[id]...)
	return o
}

func (d *fakeDB) stock(productID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.products[productID].StockQuantity
}

func (d *fakeDB) ledger(orderID string) []model.Transaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.Transaction
	for _, tx := range d.txs {
		if tx.OrderID == orderID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (d *fakeDB) ledgerOf(orderID, txType string) []model.Transaction {
	var out []model.Transaction
	for _, tx := range d.ledger(orderID) {
		if tx.TransactionType == txType {
			out = append(out, tx)
		}
	}
	return out
}

func (d *fakeDB) event(eventID string) (model.WebhookEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.events[eventID]
	return e, ok
}

type fakeStore struct {
	db *fakeDB
}

func (s *fakeStore) Orders() orderRepo.OrderRepository { return &fakeOrders{db: s.db} }
func (s *fakeStore) Products() orderRepo.ProductRepository { return &fakeProducts{db: s.db} }
func (s *fakeStore) Transactions() repository.TransactionRepository { return &fakeTransactions{db: s.db} }
func (s *fakeStore) WebhookEvents() repository.WebhookEventRepository {
	return &fakeWebhookEvents{db: s.db}
}

func (s *fakeStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	s.db.txMu.Lock()
	defer s.db.txMu.Unlock()

	s.db.mu.Lock()
	snap := s.db.snapshot()
	s.db.mu.Unlock()

	if err := fn(&fakeStore{db: s.db}); err != nil {
		s.db.mu.Lock()
		s.db.restore(snap)
		s.db.mu.Unlock()
		return err
	}
	return nil
}

type fakeOrders struct{ db *fakeDB }

func (r *fakeOrders) Create(_ context.Context, order *orderModel.Order) error {
	r.db.putOrder(*order)
	return nil
}

func (r *fakeOrders) GetByID(_ context.Context, id string) (*orderModel.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	o.Items = append([]orderModel.OrderItem(nil), r.db.items[id]...)
	return &o, nil
}

func (r *fakeOrders) GetByIntentID(_ context.Context, intentID string) (*orderModel.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, o := range r.db.orders {
		if o.PaymentIntentID == intentID {
			o.Items = append([]orderModel.OrderItem(nil), r.db.items[o.ID]...)
			return &o, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeOrders) LockByID(ctx context.Context, id string) (*orderModel.Order, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeOrders) Save(_ context.Context, order *orderModel.Order) error {
	if err := r.db.fail("Orders.Save"); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o := *order
	o.Items = nil
	r.db.orders[o.ID] = o
	return nil
}

func (r *fakeOrders) UpdateItemRestored(_ context.Context, itemID string, restored int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for orderID, items := range r.db.items {
		for i := range items {
			if items[i].ID == itemID {
				items[i].RestoredQuantity = restored
				r.db.items[orderID] = items
				return nil
			}
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *fakeOrders) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]orderModel.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []orderModel.Order
	for _, o := range r.db.orders {
		if o.PaymentStatus == orderModel.PaymentStatusPending && o.PaymentExpiresAt != nil && o.PaymentExpiresAt.Before(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentExpiresAt.Before(*out[j].PaymentExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeProducts struct{ db *fakeDB }

func (r *fakeProducts) Create(_ context.Context, p *orderModel.Product) error {
	r.db.putProduct(*p)
	return nil
}

func (r *fakeProducts) GetByID(_ context.Context, id string) (*orderModel.Product, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.products[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (r *fakeProducts) LockByIDs(_ context.Context, ids []string) (map[string]*orderModel.Product, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make(map[string]*orderModel.Product, len(ids))
	for _, id := range ids {
		if p, ok := r.db.products[id]; ok {
			p := p
			out[id] = &p
		}
	}
	return out, nil
}

func (r *fakeProducts) SetStock(_ context.Context, id string, quantity int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.products[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.StockQuantity = quantity
	r.db.products[id] = p
	return nil
}

type fakeTransactions struct{ db *fakeDB }

func txKey(externalID, txType string) string {
	return externalID + "|" + txType
}

func (r *fakeTransactions) Upsert(_ context.Context, tx *model.Transaction) error {
	if err := r.db.fail("Transactions.Upsert"); err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := txKey(tx.ExternalID, tx.TransactionType)
	next := *tx
	if existing, ok := r.db.txs[key]; ok {
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		next.OrderID = existing.OrderID
	} else {
		r.db.seq++
		next.ID = fmt.Sprintf("tx-%d", r.db.seq)
		next.CreatedAt = time.Unix(int64(r.db.seq), 0)
	}
	r.db.txs[key] = next
	return nil
}

func (r *fakeTransactions) GetByExternal(_ context.Context, externalID, txType string) (*model.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tx, ok := r.db.txs[txKey(externalID, txType)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &tx, nil
}

func (r *fakeTransactions) ListByOrder(_ context.Context, orderID string) ([]model.Transaction, error) {
	return r.db.ledger(orderID), nil
}

type fakeWebhookEvents struct{ db *fakeDB }

func (r *fakeWebhookEvents) Record(_ context.Context, event *model.WebhookEvent) (*model.WebhookEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if existing, ok := r.db.events[event.EventID]; ok {
		return &existing, nil
	}
	e := *event
	e.ID = uint(len(r.db.events) + 1)
	r.db.events[e.EventID] = e
	return &e, nil
}

func (r *fakeWebhookEvents) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e := r.db.events[eventID]
	e.ProcessedAt = &at
	e.ProcessError = ""
	r.db.events[eventID] = e
	return nil
}

func (r *fakeWebhookEvents) MarkFailed(_ context.Context, eventID string, reason string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	e := r.db.events[eventID]
	e.ProcessError = reason
	r.db.events[eventID] = e
	return nil
}
