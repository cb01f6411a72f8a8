package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/folkdrive/fdbilling/internal/billing/sequence"
	"github.com/folkdrive/fdbilling/internal/platform/db"
)

// Repository defines billing data access. Implementations map unique
// violations to ErrDuplicateGST, sequence.ErrDuplicateNumber and
// ErrInvalidConversionState.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	UpdateCustomerContact(ctx context.Context, c *Customer) error

	CreateWorkOrder(ctx context.Context, wo *WorkOrder) error
	GetWorkOrder(ctx context.Context, id int64) (*WorkOrder, error)
	GetWorkOrderForUpdate(ctx context.Context, id int64) (*WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, wo *WorkOrder) error

	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (*Invoice, error)
	// TouchInvoice writes the invoice row so that concurrent ledger
	// transactions holding an older snapshot fail with ErrConcurrentUpdate.
	TouchInvoice(ctx context.Context, id int64) error
	InvoiceExistsForWorkOrder(ctx context.Context, workOrderID int64) (bool, error)
	UpdateInvoiceProjection(ctx context.Context, inv *Invoice) error
	ListOverdueCandidates(ctx context.Context, today time.Time) ([]int64, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)

	// LastIssued implements sequence.Scanner.
	LastIssued(ctx context.Context, kind sequence.Kind, prefix string) (string, bool, error)
}

const (
	constraintCustomerGST      = "customers_gst_number_key"
	constraintWorkOrderNumber  = "work_orders_number_key"
	constraintInvoiceNumber    = "invoices_number_key"
	constraintInvoiceWorkOrder = "invoices_work_order_id_key"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

var (
	_ Repository       = (*repository)(nil)
	_ sequence.Scanner = (*repository)(nil)
)

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository returns a PostgreSQL backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if _, inTx := r.db.(pgx.Tx); inTx {
		return fn(ctx, r)
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %w", ErrConcurrentUpdate, err)
	}
	return err
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
	}
	return err
}

// --- customers ---

const customerColumns = `id, company_name, contact_name, mobile_number, email, gst_number,
	address, branch_location, is_migrated, created_at, updated_at`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.CompanyName, &c.ContactName, &c.MobileNumber, &c.Email, &c.GSTNumber,
		&c.Address, &c.BranchLocation, &c.IsMigrated, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) CreateCustomer(ctx context.Context, c *Customer) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO customers (company_name, contact_name, mobile_number, email, gst_number,
			address, branch_location, is_migrated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		c.CompanyName, c.ContactName, c.MobileNumber, c.Email, c.GSTNumber,
		c.Address, c.BranchLocation, c.IsMigrated,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if db.IsUniqueViolation(err, constraintCustomerGST) {
		return fmt.Errorf("%w: %s", ErrDuplicateGST, c.GSTNumber)
	}
	return err
}

func (r *repository) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	c, err := scanCustomer(r.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "customer", id)
	}
	return c, nil
}

func (r *repository) UpdateCustomerContact(ctx context.Context, c *Customer) error {
	err := r.db.QueryRow(ctx, `
		UPDATE customers
		SET contact_name = $2, mobile_number = $3, email = $4, address = $5,
			branch_location = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.ContactName, c.MobileNumber, c.Email, c.Address, c.BranchLocation,
	).Scan(&c.UpdatedAt)
	return notFound(err, "customer", c.ID)
}

// --- work orders ---

const workOrderColumns = `id, number, customer_id, project_title, project_description,
	base_amount, discount_percentage, discount_amount, gst_percentage, gst_amount, total_cost,
	hsn_code, sac_code, place_of_supply, is_service, status, terms_and_conditions,
	created_by, is_migrated, created_at, updated_at`

func scanWorkOrder(row pgx.Row) (*WorkOrder, error) {
	var wo WorkOrder
	err := row.Scan(&wo.ID, &wo.Number, &wo.CustomerID, &wo.ProjectTitle, &wo.ProjectDescription,
		&wo.BaseAmount, &wo.DiscountPercentage, &wo.DiscountAmount, &wo.GSTPercentage, &wo.GSTAmount, &wo.TotalCost,
		&wo.HSNCode, &wo.SACCode, &wo.PlaceOfSupply, &wo.IsService, &wo.Status, &wo.TermsAndConditions,
		&wo.CreatedBy, &wo.IsMigrated, &wo.CreatedAt, &wo.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

func (r *repository) CreateWorkOrder(ctx context.Context, wo *WorkOrder) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO work_orders (number, customer_id, project_title, project_description,
			base_amount, discount_percentage, discount_amount, gst_percentage, gst_amount, total_cost,
			hsn_code, sac_code, place_of_supply, is_service, status, terms_and_conditions,
			created_by, is_migrated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at`,
		wo.Number, wo.CustomerID, wo.ProjectTitle, wo.ProjectDescription,
		wo.BaseAmount, wo.DiscountPercentage, wo.DiscountAmount, wo.GSTPercentage, wo.GSTAmount, wo.TotalCost,
		wo.HSNCode, wo.SACCode, wo.PlaceOfSupply, wo.IsService, string(wo.Status), wo.TermsAndConditions,
		wo.CreatedBy, wo.IsMigrated,
	).Scan(&wo.ID, &wo.CreatedAt, &wo.UpdatedAt)
	if db.IsUniqueViolation(err, constraintWorkOrderNumber) {
		return fmt.Errorf("work order %s: %w", wo.Number, sequence.ErrDuplicateNumber)
	}
	return err
}

func (r *repository) GetWorkOrder(ctx context.Context, id int64) (*WorkOrder, error) {
	wo, err := scanWorkOrder(r.db.QueryRow(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "work order", id)
	}
	return wo, nil
}

func (r *repository) GetWorkOrderForUpdate(ctx context.Context, id int64) (*WorkOrder, error) {
	wo, err := scanWorkOrder(r.db.QueryRow(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "work order", id)
	}
	return wo, nil
}

func (r *repository) UpdateWorkOrder(ctx context.Context, wo *WorkOrder) error {
	err := r.db.QueryRow(ctx, `
		UPDATE work_orders
		SET project_title = $2, project_description = $3, base_amount = $4,
			discount_percentage = $5, discount_amount = $6, gst_percentage = $7,
			gst_amount = $8, total_cost = $9, hsn_code = $10, sac_code = $11,
			place_of_supply = $12, is_service = $13, status = $14,
			terms_and_conditions = $15, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		wo.ID, wo.ProjectTitle, wo.ProjectDescription, wo.BaseAmount,
		wo.DiscountPercentage, wo.DiscountAmount, wo.GSTPercentage,
		wo.GSTAmount, wo.TotalCost, wo.HSNCode, wo.SACCode,
		wo.PlaceOfSupply, wo.IsService, string(wo.Status),
		wo.TermsAndConditions,
	).Scan(&wo.UpdatedAt)
	return notFound(err, "work order", wo.ID)
}

// --- invoices ---

const invoiceColumns = `id, number, work_order_id, customer_id, invoice_date, due_date,
	base_amount, discount_amount, gst_percentage, gst_amount, subtotal, total_amount,
	hsn_code, sac_code, place_of_supply, is_service,
	cgst_rate, sgst_rate, igst_rate, cgst_amount, sgst_amount, igst_amount,
	amount_paid, balance_due, payment_collected_at_conversion, status,
	terms_and_conditions, is_migrated, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.WorkOrderID, &inv.CustomerID, &inv.InvoiceDate, &inv.DueDate,
		&inv.BaseAmount, &inv.DiscountAmount, &inv.GSTPercentage, &inv.GSTAmount, &inv.Subtotal, &inv.TotalAmount,
		&inv.HSNCode, &inv.SACCode, &inv.PlaceOfSupply, &inv.IsService,
		&inv.CGSTRate, &inv.SGSTRate, &inv.IGSTRate, &inv.CGSTAmount, &inv.SGSTAmount, &inv.IGSTAmount,
		&inv.AmountPaid, &inv.BalanceDue, &inv.PaymentCollectedAtConversion, &inv.Status,
		&inv.TermsAndConditions, &inv.IsMigrated, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repository) CreateInvoice(ctx context.Context, inv *Invoice) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (number, work_order_id, customer_id, invoice_date, due_date,
			base_amount, discount_amount, gst_percentage, gst_amount, subtotal, total_amount,
			hsn_code, sac_code, place_of_supply, is_service,
			cgst_rate, sgst_rate, igst_rate, cgst_amount, sgst_amount, igst_amount,
			amount_paid, balance_due, payment_collected_at_conversion, status,
			terms_and_conditions, is_migrated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
		RETURNING id, created_at, updated_at`,
		inv.Number, inv.WorkOrderID, inv.CustomerID, inv.InvoiceDate, inv.DueDate,
		inv.BaseAmount, inv.DiscountAmount, inv.GSTPercentage, inv.GSTAmount, inv.Subtotal, inv.TotalAmount,
		inv.HSNCode, inv.SACCode, inv.PlaceOfSupply, inv.IsService,
		inv.CGSTRate, inv.SGSTRate, inv.IGSTRate, inv.CGSTAmount, inv.SGSTAmount, inv.IGSTAmount,
		inv.AmountPaid, inv.BalanceDue, inv.PaymentCollectedAtConversion, string(inv.Status),
		inv.TermsAndConditions, inv.IsMigrated,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	switch {
	case db.IsUniqueViolation(err, constraintInvoiceNumber):
		return fmt.Errorf("invoice %s: %w", inv.Number, sequence.ErrDuplicateNumber)
	case db.IsUniqueViolation(err, constraintInvoiceWorkOrder):
		return fmt.Errorf("%w: work order %d is already invoiced", ErrInvalidConversionState, inv.WorkOrderID)
	}
	return err
}

func (r *repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "invoice", id)
	}
	return inv, nil
}

func (r *repository) GetInvoiceForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "invoice", id)
	}
	return inv, nil
}

func (r *repository) TouchInvoice(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE invoices SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %d", ErrNotFound, id)
	}
	return nil
}

func (r *repository) InvoiceExistsForWorkOrder(ctx context.Context, workOrderID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE work_order_id = $1)`, workOrderID).Scan(&exists)
	return exists, err
}

func (r *repository) UpdateInvoiceProjection(ctx context.Context, inv *Invoice) error {
	err := r.db.QueryRow(ctx, `
		UPDATE invoices
		SET amount_paid = $2, balance_due = $3, status = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.AmountPaid, inv.BalanceDue, string(inv.Status),
	).Scan(&inv.UpdatedAt)
	return notFound(err, "invoice", inv.ID)
}

func (r *repository) ListOverdueCandidates(ctx context.Context, today time.Time) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM invoices
		WHERE status IN ('sent', 'partially_paid') AND due_date < $1 AND balance_due > 0
		ORDER BY due_date, id`, today)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// --- payments ---

const paymentColumns = `id, invoice_id, payment_date, amount, method, reference_number,
	notes, status, is_migrated, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.PaymentDate, &p.Amount, &p.Method, &p.ReferenceNumber,
		&p.Notes, &p.Status, &p.IsMigrated, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) CreatePayment(ctx context.Context, p *Payment) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO payments (invoice_id, payment_date, amount, method, reference_number,
			notes, status, is_migrated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		p.InvoiceID, p.PaymentDate, p.Amount, string(p.Method), p.ReferenceNumber,
		p.Notes, string(p.Status), p.IsMigrated,
	).Scan(&p.ID, &p.CreatedAt)
}

func (r *repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "payment", id)
	}
	return p, nil
}

func (r *repository) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment %d", ErrNotFound, id)
	}
	return nil
}

func (r *repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY payment_date, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// --- numbering ---

// LastIssued returns the highest number with prefix. Longer suffixes sort
// after shorter ones so FD252/I/10000 ranks above FD252/I/9999.
func (r *repository) LastIssued(ctx context.Context, kind sequence.Kind, prefix string) (string, bool, error) {
	var table string
	switch kind {
	case sequence.KindWorkOrder:
		table = "work_orders"
	case sequence.KindInvoice:
		table = "invoices"
	default:
		return "", false, fmt.Errorf("billing: unknown document kind %q", kind)
	}
	var number string
	err := r.db.QueryRow(ctx, `
		SELECT number FROM `+table+`
		WHERE starts_with(number, $1)
		ORDER BY length(number) DESC, number DESC
		LIMIT 1`, prefix).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return number, true, nil
}
