package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/folkdrive/fdbilling/internal/billing/sequence"
)

type memoryState struct {
	customers  map[int64]Customer
	workOrders map[int64]WorkOrder
	invoices   map[int64]Invoice
	payments   map[int64]Payment
	nextID     int64
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		customers:  make(map[int64]Customer, len(s.customers)),
		workOrders: make(map[int64]WorkOrder, len(s.workOrders)),
		invoices:   make(map[int64]Invoice, len(s.invoices)),
		payments:   make(map[int64]Payment, len(s.payments)),
		nextID:     s.nextID,
	}
	for k, v := range s.customers {
		out.customers[k] = v
	}
	for k, v := range s.workOrders {
		out.workOrders[k] = v
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.payments {
		out.payments[k] = v
	}
	return out
}

// memoryRepo is an in-memory Repository. WithTx restores the previous state
// when fn fails.
type memoryRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   memoryState

	failProjection    error
	failCreatePayment error
	// conflicts makes the next TouchInvoice calls lose a concurrent update.
	conflicts int
	touches   int
}

type memoryTx struct {
	*memoryRepo
}

func (t memoryTx) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, t)
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{st: memoryState{}.clone()}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	r.mu.Lock()
	snapshot := r.st.clone()
	r.mu.Unlock()
	if err := fn(ctx, memoryTx{r}); err != nil {
		r.mu.Lock()
		r.st = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memoryRepo) id() int64 {
	r.st.nextID++
	return r.st.nextID
}

func (r *memoryRepo) CreateCustomer(_ context.Context, c *Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.st.customers {
		if existing.GSTNumber == c.GSTNumber {
			return fmt.Errorf("%w: %s", ErrDuplicateGST, c.GSTNumber)
		}
	}
	c.ID = r.id()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.st.customers[c.ID] = *c
	return nil
}

func (r *memoryRepo) GetCustomer(_ context.Context, id int64) (*Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.st.customers[id]
	if !ok {
		return nil, fmt.Errorf("%w: customer %d", ErrNotFound, id)
	}
	return &c, nil
}

func (r *memoryRepo) UpdateCustomerContact(_ context.Context, c *Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.st.customers[c.ID]
	if !ok {
		return fmt.Errorf("%w: customer %d", ErrNotFound, c.ID)
	}
	existing.ContactName = c.ContactName
	existing.MobileNumber = c.MobileNumber
	existing.Email = c.Email
	existing.Address = c.Address
	existing.BranchLocation = c.BranchLocation
	r.st.customers[c.ID] = existing
	return nil
}

func (r *memoryRepo) CreateWorkOrder(_ context.Context, wo *WorkOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.st.workOrders {
		if existing.Number == wo.Number {
			return fmt.Errorf("work order %s: %w", wo.Number, sequence.ErrDuplicateNumber)
		}
	}
	wo.ID = r.id()
	r.st.workOrders[wo.ID] = *wo
	return nil
}

func (r *memoryRepo) GetWorkOrder(_ context.Context, id int64) (*WorkOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wo, ok := r.st.workOrders[id]
	if !ok {
		return nil, fmt.Errorf("%w: work order %d", ErrNotFound, id)
	}
	return &wo, nil
}

func (r *memoryRepo) GetWorkOrderForUpdate(ctx context.Context, id int64) (*WorkOrder, error) {
	return r.GetWorkOrder(ctx, id)
}

func (r *memoryRepo) UpdateWorkOrder(_ context.Context, wo *WorkOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.st.workOrders[wo.ID]; !ok {
		return fmt.Errorf("%w: work order %d", ErrNotFound, wo.ID)
	}
	r.st.workOrders[wo.ID] = *wo
	return nil
}

func (r *memoryRepo) CreateInvoice(_ context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.st.invoices {
		if existing.Number == inv.Number {
			return fmt.Errorf("invoice %s: %w", inv.Number, sequence.ErrDuplicateNumber)
		}
		if existing.WorkOrderID == inv.WorkOrderID {
			return fmt.Errorf("%w: work order %d is already invoiced", ErrInvalidConversionState, inv.WorkOrderID)
		}
	}
	inv.ID = r.id()
	r.st.invoices[inv.ID] = *inv
	return nil
}

func (r *memoryRepo) GetInvoice(_ context.Context, id int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.st.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %d", ErrNotFound, id)
	}
	return &inv, nil
}

func (r *memoryRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return r.GetInvoice(ctx, id)
}

func (r *memoryRepo) TouchInvoice(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.st.invoices[id]; !ok {
		return fmt.Errorf("%w: invoice %d", ErrNotFound, id)
	}
	r.touches++
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("%w: could not serialize access", ErrConcurrentUpdate)
	}
	return nil
}

func (r *memoryRepo) InvoiceExistsForWorkOrder(_ context.Context, workOrderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.st.invoices {
		if inv.WorkOrderID == workOrderID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) UpdateInvoiceProjection(_ context.Context, inv *Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failProjection != nil {
		return r.failProjection
	}
	existing, ok := r.st.invoices[inv.ID]
	if !ok {
		return fmt.Errorf("%w: invoice %d", ErrNotFound, inv.ID)
	}
	existing.AmountPaid = inv.AmountPaid
	existing.BalanceDue = inv.BalanceDue
	existing.Status = inv.Status
	r.st.invoices[inv.ID] = existing
	return nil
}

func (r *memoryRepo) ListOverdueCandidates(_ context.Context, today time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, inv := range r.st.invoices {
		open := inv.Status == InvoiceSent || inv.Status == InvoicePartiallyPaid
		if open && inv.DueDate.Before(today) && inv.BalanceDue.IsPositive() {
			ids = append(ids, inv.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *memoryRepo) CreatePayment(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreatePayment != nil {
		return r.failCreatePayment
	}
	if _, ok := r.st.invoices[p.InvoiceID]; !ok {
		return fmt.Errorf("%w: invoice %d", ErrNotFound, p.InvoiceID)
	}
	p.ID = r.id()
	p.CreatedAt = time.Now()
	r.st.payments[p.ID] = *p
	return nil
}

func (r *memoryRepo) GetPayment(_ context.Context, id int64) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.st.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", ErrNotFound, id)
	}
	return &p, nil
}

func (r *memoryRepo) UpdatePaymentStatus(_ context.Context, id int64, status PaymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.st.payments[id]
	if !ok {
		return fmt.Errorf("%w: payment %d", ErrNotFound, id)
	}
	p.Status = status
	r.st.payments[id] = p
	return nil
}

func (r *memoryRepo) ListPayments(_ context.Context, invoiceID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.st.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) LastIssued(_ context.Context, kind sequence.Kind, prefix string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var numbers []string
	if kind == sequence.KindInvoice {
		for _, inv := range r.st.invoices {
			numbers = append(numbers, inv.Number)
		}
	} else {
		for _, wo := range r.st.workOrders {
			numbers = append(numbers, wo.Number)
		}
	}
	var last string
	for _, n := range numbers {
		if !strings.HasPrefix(n, prefix) {
			continue
		}
		if len(n) > len(last) || (len(n) == len(last) && n > last) {
			last = n
		}
	}
	return last, last != "", nil
}

func (r *memoryRepo) paymentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.st.payments)
}

func (r *memoryRepo) invoiceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.st.invoices)
}

// --- fixtures ---

var ist = time.FixedZone("IST", 5*3600+1800)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingScheduler struct {
	mu       sync.Mutex
	invoices []int64
	err      error
}

func (s *recordingScheduler) ScheduleRecompute(_ context.Context, invoiceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.invoices = append(s.invoices, invoiceID)
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	failures map[string]int
}

func (m *countingMetrics) ProjectionFailed(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[operation]++
}

type fixture struct {
	repo      *memoryRepo
	clock     *testClock
	scheduler *recordingScheduler
	metrics   *countingMetrics
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	clock := &testClock{t: time.Date(2025, 7, 10, 10, 0, 0, 0, ist)}
	gen := sequence.NewGenerator(sequence.NewMemoryStore(), repo, sequence.Options{
		Location: ist,
		Now:      clock.Now,
	})
	f := &fixture{
		repo:      repo,
		clock:     clock,
		scheduler: &recordingScheduler{},
		metrics:   &countingMetrics{},
	}
	opts := DefaultOptions()
	opts.Location = ist
	opts.Now = clock.Now
	opts.Scheduler = f.scheduler
	opts.Metrics = f.metrics
	f.svc = NewService(repo, gen, opts)
	return f
}

func (f *fixture) customer(t *testing.T) *Customer {
	t.Helper()
	c, err := f.svc.CreateCustomer(context.Background(), CustomerInput{
		CompanyName:    "Shree Textiles",
		ContactName:    "Meera Shah",
		MobileNumber:   "9876543210",
		Email:          "accounts@shreetextiles.in",
		GSTNumber:      "24ABCDE1234F1Z5",
		Address:        "12 Ring Road, Surat",
		BranchLocation: "Surat",
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) workOrder(t *testing.T, customerID int64, status WorkOrderStatus) *WorkOrder {
	t.Helper()
	wo, err := f.svc.CreateWorkOrder(context.Background(), WorkOrderInput{
		CustomerID:         customerID,
		ProjectTitle:       "Storefront redesign",
		BaseAmount:         dec("1000.00"),
		DiscountPercentage: dec("10"),
		Status:             status,
		CreatedBy:          "ops",
	})
	require.NoError(t, err)
	return wo
}

func (f *fixture) invoice(t *testing.T) *Invoice {
	t.Helper()
	c := f.customer(t)
	wo := f.workOrder(t, c.ID, WorkOrderConfirmed)
	inv, err := f.svc.ConvertToInvoice(context.Background(), ConvertInput{WorkOrderID: wo.ID})
	require.NoError(t, err)
	return inv
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s got %s", want, got)
}
