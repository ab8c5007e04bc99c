package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/members"
	"github.com/prodledger/prodledger/internal/procurement"
	"github.com/prodledger/prodledger/internal/sequence"
)

type memoryInvoiceRepo struct {
	mu       sync.Mutex
	nextID   int64
	invoices map[int64]Invoice
}

func newMemoryInvoiceRepo() *memoryInvoiceRepo {
	return &memoryInvoiceRepo{invoices: make(map[int64]Invoice)}
}

func (m *memoryInvoiceRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryInvoiceRepo) GetInvoice(_ context.Context, id int64) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

// GetInvoiceForUpdate hands the transaction its own deep copy, as a row
// scanned from the database would be.
func (m *memoryInvoiceRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, err := m.GetInvoice(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return Invoice{}, err
	}
	var copied Invoice
	if err := json.Unmarshal(raw, &copied); err != nil {
		return Invoice{}, err
	}
	return copied, nil
}

func (m *memoryInvoiceRepo) ListByProject(_ context.Context, projectID int64) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.ProjectID == projectID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memoryInvoiceRepo) ListDuePending(_ context.Context, before time.Time) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.Status == StatusPending && inv.DueDate.Before(before) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memoryInvoiceRepo) CreateInvoice(_ context.Context, inv Invoice) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	inv.ID = m.nextID
	m.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (m *memoryInvoiceRepo) UpdateStatus(_ context.Context, id int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.invoices[id]
	inv.Status = status
	m.invoices[id] = inv
	return nil
}

func (m *memoryInvoiceRepo) UpdateSteps(_ context.Context, id int64, steps []approval.StepRuntime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.invoices[id]
	inv.Steps = steps
	m.invoices[id] = inv
	return nil
}

func (m *memoryInvoiceRepo) RecordPaid(_ context.Context, id int64, paidAmount float64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.invoices[id]
	inv.PaidAmount = paidAmount
	inv.Status = status
	m.invoices[id] = inv
	return nil
}

func (m *memoryInvoiceRepo) DeleteInvoice(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invoices, id)
	return nil
}

type fakeSequence struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newFakeSequence() *fakeSequence {
	return &fakeSequence{counters: make(map[string]int64)}
}

func (f *fakeSequence) key(projectID int64, kind sequence.Kind) string {
	return fmt.Sprintf("%d:%s", projectID, kind)
}

func (f *fakeSequence) Next(_ context.Context, projectID int64, kind sequence.Kind) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[f.key(projectID, kind)]++
	return f.counters[f.key(projectID, kind)], nil
}

func (f *fakeSequence) Reclaim(_ context.Context, projectID int64, kind sequence.Kind, number int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counters[f.key(projectID, kind)] == number {
		f.counters[f.key(projectID, kind)]--
		return true, nil
	}
	return false, nil
}

type fakePOPort struct {
	mu       sync.Mutex
	po       procurement.PurchaseOrder
	invoiced float64
}

func (f *fakePOPort) Get(_ context.Context, poID int64) (procurement.PurchaseOrder, error) {
	if poID != f.po.ID {
		return procurement.PurchaseOrder{}, procurement.ErrNotFound
	}
	return f.po, nil
}

func (f *fakePOPort) AddInvoicedAmount(_ context.Context, _ int64, delta float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoiced += delta
	return nil
}

type fakeDirectory struct {
	roster []members.Member
}

func (f *fakeDirectory) ProjectMembers(context.Context, int64) ([]members.Member, error) {
	return f.roster, nil
}

type fakeConfig struct {
	steps []approval.StepConfig
}

func (f *fakeConfig) StepConfig(context.Context, int64, string) ([]approval.StepConfig, error) {
	return f.steps, nil
}

type fixture struct {
	svc *Service
	seq *fakeSequence
	pos *fakePOPort
	dir *fakeDirectory
	cfg *fakeConfig
}

func newFixture(t *testing.T, steps []approval.StepConfig) *fixture {
	t.Helper()
	f := &fixture{
		seq: newFakeSequence(),
		pos: &fakePOPort{po: procurement.PurchaseOrder{ID: 50, SupplierID: 7, SubAccountID: 10, Amount: 4000, Status: procurement.StatusApproved}},
		dir: &fakeDirectory{roster: []members.Member{
			{UserID: 1, Role: "ACCOUNTANT", Department: "ACCOUNTS"},
			{UserID: 2, Role: "EP", Department: "PRODUCTION"},
		}},
		cfg: &fakeConfig{steps: steps},
	}
	f.svc = NewService(newMemoryInvoiceRepo(), f.seq, f.pos, f.dir, f.cfg, nil, slog.Default())
	return f
}

func due() time.Time {
	return time.Now().Add(14 * 24 * time.Hour)
}

func TestCreateStandaloneInvoiceWithNoStepsGoesStraightToPending(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Create(context.Background(), CreateInvoiceInput{
		ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 250, DueDate: due(), CreatedBy: 9,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Invoice.Number)
	require.Equal(t, StatusPending, res.Invoice.Status)
	require.Zero(t, f.pos.invoiced)
}

func TestCreateWithConfiguredStepsEntersApproval(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"ACCOUNTANT"}}})
	res, err := f.svc.Create(context.Background(), CreateInvoiceInput{
		ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 250, DueDate: due(), CreatedBy: 9,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, res.Invoice.Status)
	require.Len(t, res.Invoice.Steps, 1)
	require.Empty(t, res.Stalled)
}

func TestCreateLinkedInvoiceAccumulatesOnPO(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Create(context.Background(), CreateInvoiceInput{
		ProjectID: 1, POID: 50, Amount: 1500, DueDate: due(), CreatedBy: 9,
	})
	require.NoError(t, err)
	// Subaccount and supplier inherited from the PO.
	require.Equal(t, int64(10), res.Invoice.SubAccountID)
	require.Equal(t, int64(7), res.Invoice.SupplierID)
	require.Equal(t, 1500.0, f.pos.invoiced)
}

func TestCreateLinkedInvoiceRequiresApprovedPO(t *testing.T) {
	f := newFixture(t, nil)
	f.pos.po.Status = procurement.StatusPending
	_, err := f.svc.Create(context.Background(), CreateInvoiceInput{
		ProjectID: 1, POID: 50, Amount: 1500, DueDate: due(), CreatedBy: 9,
	})
	require.ErrorIs(t, err, ErrInvalidState)
	require.Zero(t, f.pos.invoiced)
}

func TestDecideApprovalMovesToPending(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"ACCOUNTANT"}}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 250, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	dec, err := f.svc.Decide(ctx, res.Invoice.ID, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, approval.OutcomeApproved, dec.Outcome)
	require.Equal(t, StatusPending, dec.Invoice.Status)
}

func TestDecideRejectionReleasesPOBacklink(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"ACCOUNTANT"}}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, POID: 50, Amount: 1500, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)
	require.Equal(t, 1500.0, f.pos.invoiced)

	dec, err := f.svc.Decide(ctx, res.Invoice.ID, 1, approval.DecisionReject, "wrong supplier")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, dec.Invoice.Status)
	require.Zero(t, f.pos.invoiced)
}

func TestRecordPaymentFullSettlesAsPaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 4000, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	inv, err := f.svc.RecordPayment(ctx, res.Invoice.ID, 4000)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)
	require.Equal(t, 4000.0, inv.PaidAmount)
	require.Zero(t, inv.Outstanding())
}

func TestRecordPaymentHalfLeavesPartialPaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 4000, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	inv, err := f.svc.RecordPayment(ctx, res.Invoice.ID, 2000)
	require.NoError(t, err)
	require.Equal(t, StatusPartialPaid, inv.Status)
	require.Equal(t, 2000.0, inv.Outstanding())

	// A second payment completing the total settles the invoice.
	inv, err = f.svc.RecordPayment(ctx, res.Invoice.ID, 2000)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)
}

func TestRecordPaymentWithinToleranceSettles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 100, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	inv, err := f.svc.RecordPayment(ctx, res.Invoice.ID, 99)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)
}

func TestRecordPaymentRequiresPayableStatus(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"ACCOUNTANT"}}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 100, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	_, err = f.svc.RecordPayment(ctx, res.Invoice.ID, 100)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestEffectiveStatusDerivesOverdue(t *testing.T) {
	inv := Invoice{Status: StatusPending, DueDate: time.Now().Add(-time.Hour)}
	require.Equal(t, StatusOverdue, inv.EffectiveStatus(time.Now()))

	// Stored status is untouched and a paid invoice never reads overdue.
	require.Equal(t, StatusPending, inv.Status)
	inv.Status = StatusPaid
	require.Equal(t, StatusPaid, inv.EffectiveStatus(time.Now()))
}

func TestCancelReleasesBacklinkAndBlocksWhenPaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, POID: 50, Amount: 1500, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, res.Invoice.ID, 9))
	require.Zero(t, f.pos.invoiced)

	res, err = f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, POID: 50, Amount: 500, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)
	_, err = f.svc.RecordPayment(ctx, res.Invoice.ID, 100)
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.Cancel(ctx, res.Invoice.ID, 9), ErrInvalidState)
}

func TestDeleteReclaimsLatestNumberOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 100, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, SupplierID: 7, SubAccountID: 10, Amount: 100, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, second.Invoice.ID, 9))
	next, err := f.seq.Next(ctx, 1, sequence.KindInvoice)
	require.NoError(t, err)
	require.Equal(t, int64(2), next)

	require.NoError(t, f.svc.Delete(ctx, first.Invoice.ID, 9))
	next, err = f.seq.Next(ctx, 1, sequence.KindInvoice)
	require.NoError(t, err)
	require.Equal(t, int64(3), next)
}

func TestDeleteRejectedDoesNotDoubleReleaseBacklink(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"ACCOUNTANT"}}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreateInvoiceInput{ProjectID: 1, POID: 50, Amount: 1500, DueDate: due(), CreatedBy: 9})
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, res.Invoice.ID, 1, approval.DecisionReject, "")
	require.NoError(t, err)
	require.Zero(t, f.pos.invoiced)

	require.NoError(t, f.svc.Delete(ctx, res.Invoice.ID, 9))
	require.Zero(t, f.pos.invoiced)
}
