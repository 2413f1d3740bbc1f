package services_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/vynn122/grocery-api/models"
	"github.com/vynn122/grocery-api/providers"
	"github.com/vynn122/grocery-api/repository"
)

// --- In-memory repositories ---

type memOrders struct {
	mu     sync.Mutex
	orders map[primitive.ObjectID]models.Order
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[primitive.ObjectID]models.Order)}
}

func (m *memOrders) Create(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID.IsZero() {
		o.ID = primitive.NewObjectID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	m.orders[o.ID] = *o
	return nil
}

func (m *memOrders) FindByID(_ context.Context, id primitive.ObjectID) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (m *memOrders) FindByIDAndUserID(ctx context.Context, id primitive.ObjectID, userID string) (*models.Order, error) {
	o, err := m.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id primitive.ObjectID, from, to models.OrderStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	m.orders[id] = o
	return true, nil
}

func (m *memOrders) FindPendingBefore(_ context.Context, before time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPending && o.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOrders) FindPaidByUserID(_ context.Context, userID string, _, _ int) ([]models.Order, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID && o.Status == models.OrderStatusProcessing {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memOrders) status(id primitive.ObjectID) models.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

type memPayments struct {
	mu       sync.Mutex
	payments map[primitive.ObjectID]models.Payment
}

func newMemPayments() *memPayments {
	return &memPayments{payments: make(map[primitive.ObjectID]models.Payment)}
}

func (m *memPayments) Create(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payments {
		if existing.OrderID == p.OrderID || existing.Detail.MD5 == p.Detail.MD5 {
			return repository.ErrDuplicate
		}
	}
	if p.ID.IsZero() {
		p.ID = primitive.NewObjectID()
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *memPayments) FindByOrderID(_ context.Context, orderID primitive.ObjectID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPayments) FindByMD5(_ context.Context, md5 string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Detail.MD5 == md5 {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPayments) MarkPaid(_ context.Context, id primitive.ObjectID, s models.Settlement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Detail.Paid || p.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	paidAt := s.PaidAt
	p.Detail.Paid = true
	p.Detail.PaidAt = &paidAt
	p.Detail.BakongHash = s.Hash
	p.Detail.TransactionID = s.TransactionID
	p.PaymentStatus = models.PaymentStatusPaid
	p.PaidAt = &paidAt
	m.payments[id] = p
	return true, nil
}

func (m *memPayments) MarkFailed(_ context.Context, id primitive.ObjectID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Detail.Paid || p.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	p.PaymentStatus = models.PaymentStatusFailed
	m.payments[id] = p
	return true, nil
}

func (m *memPayments) get(id primitive.ObjectID) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id]
}

type memProducts struct {
	mu       sync.Mutex
	products map[primitive.ObjectID]models.Product
	// failOn makes DecrementStock report insufficient stock for that product.
	failOn   primitive.ObjectID
	restored int
}

func newMemProducts(products ...models.Product) *memProducts {
	m := &memProducts{products: make(map[primitive.ObjectID]models.Product)}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *memProducts) FindByIDs(_ context.Context, ids []primitive.ObjectID) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memProducts) DecrementStock(_ context.Context, id primitive.ObjectID, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok || p.Stock < qty || id == m.failOn {
		return repository.ErrInsufficientStock
	}
	p.Stock -= qty
	p.Sold += qty
	m.products[id] = p
	return nil
}

func (m *memProducts) RestoreStock(_ context.Context, id primitive.ObjectID, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[id]
	p.Stock += qty
	p.Sold -= qty
	m.products[id] = p
	m.restored++
	return nil
}

func (m *memProducts) get(id primitive.ObjectID) models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[id]
}

type memPromos struct {
	mu     sync.Mutex
	promos map[primitive.ObjectID]models.PromoCode
}

func newMemPromos(promos ...models.PromoCode) *memPromos {
	m := &memPromos{promos: make(map[primitive.ObjectID]models.PromoCode)}
	for _, p := range promos {
		m.promos[p.ID] = p
	}
	return m
}

func (m *memPromos) FindByCode(_ context.Context, code string) (*models.PromoCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.promos {
		if p.Code == code {
			return &p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPromos) FinalizeUsage(_ context.Context, id primitive.ObjectID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promos[id]
	if !ok || p.UsedByUser(userID) || p.LimitReached() {
		return false, nil
	}
	p.UsedCount++
	p.UsedBy = append(p.UsedBy, userID)
	m.promos[id] = p
	return true, nil
}

func (m *memPromos) get(id primitive.ObjectID) models.PromoCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promos[id]
}

type memCarts struct {
	mu      sync.Mutex
	cleared map[string]int
}

func newMemCarts() *memCarts { return &memCarts{cleared: make(map[string]int)} }

func (m *memCarts) ClearCart(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared[userID]++
	return nil
}

func (m *memCarts) count(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleared[userID]
}

// --- Gateway, events, metrics ---

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GenerateQR(ctx context.Context, req providers.QRRequest) (providers.QRResult, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, providers.QRRequest) providers.QRResult); ok {
		return fn(ctx, req), args.Error(1)
	}
	return args.Get(0).(providers.QRResult), args.Error(1)
}

func (m *mockGateway) CheckTransaction(ctx context.Context, md5 string) (providers.TransactionStatus, error) {
	args := m.Called(ctx, md5)
	return args.Get(0).(providers.TransactionStatus), args.Error(1)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics { return &countingMetrics{counts: make(map[string]int)} }

func (m *countingMetrics) RecordCount(_ context.Context, name string, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name]++
	return nil
}

func (m *countingMetrics) RecordLatency(context.Context, string, time.Duration, map[string]string) error {
	return nil
}

func (m *countingMetrics) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
