package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/folkdrive/fdbilling/internal/billing/sequence"
)

func importWorkOrder(t *testing.T, f *fixture, customerID int64, number string) *WorkOrder {
	t.Helper()
	wo, err := f.svc.ImportWorkOrder(context.Background(), LegacyWorkOrder{
		Number:             number,
		CustomerID:         customerID,
		ProjectTitle:       "Catalogue shoot",
		BaseAmount:         dec("1000.00"),
		DiscountPercentage: dec("10"),
		DiscountAmount:     dec("100.00"),
		GSTPercentage:      dec("18"),
		GSTAmount:          dec("162.00"),
		TotalCost:          dec("1062.00"),
		CreatedBy:          "migration",
	})
	require.NoError(t, err)
	return wo
}

func TestImportCustomerAcceptsPlaceholderGST(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.ImportCustomer(ctx, LegacyCustomer{CompanyName: "Old Client", GSTNumber: "legacy-17"})
	require.NoError(t, err)
	require.True(t, c.IsMigrated)
	require.Equal(t, "LEGACY-17", c.GSTNumber)

	_, err = f.svc.ImportCustomer(ctx, LegacyCustomer{CompanyName: "Old Client 2", GSTNumber: "LEGACY-17"})
	requireFields(t, err, "gst_number")
	require.ErrorIs(t, err, ErrDuplicateGST)

	_, err = f.svc.ImportCustomer(ctx, LegacyCustomer{CompanyName: "", GSTNumber: "LEGACY-0000000018"})
	requireFields(t, err, "gst_number", "company_name")
}

func TestImportWorkOrderRaisesCounter(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t)

	require.Equal(t, "FDWO-25-0001", f.workOrder(t, c.ID, "").Number)
	imported := importWorkOrder(t, f, c.ID, "FDWO-25-0040")
	require.True(t, imported.IsMigrated)
	require.Equal(t, WorkOrderCompleted, imported.Status)
	requireDecimal(t, "1062.00", imported.TotalCost)

	require.Equal(t, "FDWO-25-0041", f.workOrder(t, c.ID, "").Number)
}

func TestImportWorkOrderForeignNumber(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t)

	importWorkOrder(t, f, c.ID, "WO/2019/7")
	require.Equal(t, "FDWO-25-0001", f.workOrder(t, c.ID, "").Number)

	_, err := f.svc.ImportWorkOrder(context.Background(), LegacyWorkOrder{
		Number:     "WO/2019/7",
		CustomerID: c.ID,
		TotalCost:  dec("1"),
	})
	requireFields(t, err, "number")
	require.ErrorIs(t, err, sequence.ErrDuplicateNumber)
}

func TestImportInvoiceAndOverpaidLedger(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t)
	ctx := context.Background()
	wo := importWorkOrder(t, f, c.ID, "FDWO-24-0310")

	inv, err := f.svc.ImportInvoice(ctx, LegacyInvoice{
		Number:        "FD242/I/0100",
		WorkOrderID:   wo.ID,
		InvoiceDate:   time.Date(2024, 11, 2, 0, 0, 0, 0, time.UTC),
		PlaceOfSupply: "Karnataka",
	})
	require.NoError(t, err)
	require.True(t, inv.IsMigrated)
	require.Equal(t, InvoiceSent, inv.Status)
	require.Equal(t, time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC), inv.DueDate)
	requireDecimal(t, "1062.00", inv.TotalAmount)
	requireDecimal(t, "900.00", inv.Subtotal)
	requireDecimal(t, "162.00", inv.IGSTAmount)

	_, err = f.svc.ImportPayment(ctx, LegacyPayment{InvoiceID: inv.ID, Amount: dec("1000")})
	require.NoError(t, err)
	p, err := f.svc.ImportPayment(ctx, LegacyPayment{InvoiceID: inv.ID, Amount: dec("100"), Method: MethodCheque})
	require.NoError(t, err)
	require.True(t, p.IsMigrated)
	require.Equal(t, PaymentCompleted, p.Status)

	got, err := f.repo.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoicePaid, got.Status)
	requireDecimal(t, "1100", got.AmountPaid)
	requireDecimal(t, "0", got.BalanceDue)

	_, err = f.svc.ImportInvoice(ctx, LegacyInvoice{
		Number:      "FD242/I/0101",
		WorkOrderID: wo.ID,
		InvoiceDate: time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC),
	})
	requireFields(t, err, "work_order_id")
}

func TestImportInvoiceRaisesCounter(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t)
	ctx := context.Background()
	legacy := importWorkOrder(t, f, c.ID, "FDWO-25-0002")

	// Establish the counter first so the raise comes from Observe, not bootstrap.
	first, err := f.svc.ConvertToInvoice(ctx, ConvertInput{WorkOrderID: f.workOrder(t, c.ID, WorkOrderConfirmed).ID})
	require.NoError(t, err)
	require.Equal(t, "FD252/I/0013", first.Number)

	_, err = f.svc.ImportInvoice(ctx, LegacyInvoice{
		Number:      "FD252/I/0090",
		WorkOrderID: legacy.ID,
		InvoiceDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	next, err := f.svc.ConvertToInvoice(ctx, ConvertInput{WorkOrderID: f.workOrder(t, c.ID, WorkOrderConfirmed).ID})
	require.NoError(t, err)
	require.Equal(t, "FD252/I/0091", next.Number)
}
