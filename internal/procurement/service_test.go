package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prodledger/prodledger/internal/approval"
	"github.com/prodledger/prodledger/internal/budget"
	"github.com/prodledger/prodledger/internal/members"
	"github.com/prodledger/prodledger/internal/sequence"
	"github.com/prodledger/prodledger/internal/shared"
)

type memoryPORepo struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	nextID int64
	pos    map[int64]PurchaseOrder
	links  map[int64]int
}

func newMemoryPORepo() *memoryPORepo {
	return &memoryPORepo{pos: make(map[int64]PurchaseOrder), links: make(map[int64]int)}
}

// WithTx serializes transactions the way row locks do on the real store.
func (m *memoryPORepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, m)
}

func (m *memoryPORepo) GetPO(_ context.Context, id int64) (PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pos[id]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return po, nil
}

// GetPOForUpdate hands the transaction its own deep copy; a row scanned
// from the database never aliases another session's step maps.
func (m *memoryPORepo) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := m.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	raw, err := json.Marshal(po)
	if err != nil {
		return PurchaseOrder{}, err
	}
	var copied PurchaseOrder
	if err := json.Unmarshal(raw, &copied); err != nil {
		return PurchaseOrder{}, err
	}
	return copied, nil
}

func (m *memoryPORepo) ListByProject(_ context.Context, projectID int64) ([]PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PurchaseOrder
	for _, po := range m.pos {
		if po.ProjectID == projectID {
			out = append(out, po)
		}
	}
	return out, nil
}

func (m *memoryPORepo) CountInvoices(_ context.Context, poID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[poID], nil
}

func (m *memoryPORepo) CreatePO(_ context.Context, po PurchaseOrder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	po.ID = m.nextID
	m.pos[po.ID] = po
	return po.ID, nil
}

func (m *memoryPORepo) UpdateStatus(_ context.Context, id int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	po := m.pos[id]
	po.Status = status
	m.pos[id] = po
	return nil
}

func (m *memoryPORepo) UpdateSteps(_ context.Context, id int64, steps []approval.StepRuntime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	po := m.pos[id]
	po.Steps = steps
	m.pos[id] = po
	return nil
}

func (m *memoryPORepo) AddInvoicedAmount(_ context.Context, id int64, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	po := m.pos[id]
	po.InvoicedAmount += delta
	m.pos[id] = po
	return nil
}

func (m *memoryPORepo) DeletePO(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pos, id)
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

type fakeLedger struct {
	mu        sync.Mutex
	sub       budget.SubAccount
	commits   []float64
	releases  []float64
	commitErr error
}

func (f *fakeLedger) SubAccount(context.Context, int64) (budget.SubAccount, error) {
	return f.sub, nil
}

func (f *fakeLedger) Commit(_ context.Context, _ int64, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits = append(f.commits, amount)
	return nil
}

func (f *fakeLedger) Release(_ context.Context, _ int64, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, amount)
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

type fakeGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{keys: make(map[string]bool)}
}

func (f *fakeGuard) CheckAndInsert(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeGuard) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type fixture struct {
	svc    *Service
	repo   *memoryPORepo
	seq    *fakeSequence
	ledger *fakeLedger
	dir    *fakeDirectory
	cfg    *fakeConfig
	guard  *fakeGuard
}

func newFixture(t *testing.T, steps []approval.StepConfig) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newMemoryPORepo(),
		seq:    newFakeSequence(),
		ledger: &fakeLedger{sub: budget.SubAccount{ID: 10, Budgeted: 10000}},
		dir: &fakeDirectory{roster: []members.Member{
			{UserID: 1, Role: "PM", Department: "CAMERA"},
			{UserID: 2, Role: "EP", Department: "PRODUCTION"},
			{UserID: 3, Role: "ACCOUNTANT", Department: "ACCOUNTS"},
		}},
		cfg:   &fakeConfig{steps: steps},
		guard: newFakeGuard(),
	}
	f.svc = NewService(f.repo, f.seq, f.ledger, f.dir, f.cfg, f.guard, nil, slog.Default())
	return f
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9})
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 200, CreatedBy: 9})
	require.NoError(t, err)

	require.Equal(t, int64(1), first.PO.Number)
	require.Equal(t, int64(2), second.PO.Number)
	require.Equal(t, StatusDraft, first.PO.Status)
	require.Empty(t, f.ledger.commits)
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Create(context.Background(), CreatePOInput{ProjectID: 1, SubAccountID: 10, Amount: -5, CreatedBy: 9})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitWithNoStepsAutoApprovesAndCommits(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Create(context.Background(), CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 500, CreatedBy: 9, Submit: true})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, res.PO.Status)
	require.Equal(t, []float64{500}, f.ledger.commits)
}

func TestSubmitSnapshotsStepsAndWarnsOverBudget(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"PM"}}})
	f.ledger.sub = budget.SubAccount{ID: 10, Budgeted: 1000, Committed: 900}

	res, err := f.svc.Create(context.Background(), CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 400, CreatedBy: 9, Submit: true})
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.PO.Status)
	require.Len(t, res.PO.Steps, 1)
	require.NotEmpty(t, res.BudgetWarning)
	// Advisory only: submission still went through and nothing committed yet.
	require.Empty(t, f.ledger.commits)
}

func TestSubmitReportsStalledSteps(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverHOD, Department: "ACCOUNTS"}})
	res, err := f.svc.Create(context.Background(), CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9, Submit: true})
	require.NoError(t, err)
	require.Equal(t, []int{1}, res.Stalled)
}

func TestSubmitRequiresDraft(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.svc.Create(context.Background(), CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9, Submit: true})
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), res.PO.ID, 9)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDecideApprovalFlowCommitsOnce(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{
		{ApproverType: approval.ApproverRole, Roles: []string{"PM"}},
		{ApproverType: approval.ApproverFixed, Approvers: []int64{2}},
	})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 750, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	dec, err := f.svc.Decide(ctx, res.PO.ID, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, approval.OutcomePending, dec.Outcome)
	require.Equal(t, StatusPending, dec.PO.Status)

	dec, err = f.svc.Decide(ctx, res.PO.ID, 2, approval.DecisionApprove, "ok")
	require.NoError(t, err)
	require.Equal(t, approval.OutcomeApproved, dec.Outcome)
	require.Equal(t, StatusApproved, dec.PO.Status)
	require.Equal(t, []float64{750}, f.ledger.commits)

	// Re-running the evaluation must not double the commitment.
	_, err = f.svc.Refresh(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, []float64{750}, f.ledger.commits)
}

func TestDecideRejectionIsTerminal(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{
		{ApproverType: approval.ApproverRole, Roles: []string{"PM"}},
		{ApproverType: approval.ApproverFixed, Approvers: []int64{2}},
	})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 750, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	dec, err := f.svc.Decide(ctx, res.PO.ID, 1, approval.DecisionReject, "over budget")
	require.NoError(t, err)
	require.Equal(t, approval.OutcomeRejected, dec.Outcome)
	require.Equal(t, StatusRejected, dec.PO.Status)
	require.Empty(t, f.ledger.commits)

	_, err = f.svc.Decide(ctx, res.PO.ID, 2, approval.DecisionApprove, "")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDecideRejectsIneligibleActor(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"PM"}}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, res.PO.ID, 3, approval.DecisionApprove, "")
	require.ErrorIs(t, err, approval.ErrNotEligible)
}

func TestRefreshCompletesRequireAllAfterRosterChange(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"PM"}, RequireAll: true}})
	f.dir.roster = []members.Member{
		{UserID: 1, Role: "PM"},
		{UserID: 2, Role: "PM"},
	}
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 300, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	dec, err := f.svc.Decide(ctx, res.PO.ID, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
	require.Equal(t, approval.OutcomePending, dec.Outcome)

	// The second PM leaves the project; the remaining eligible approver has
	// already approved, so a refresh completes the workflow.
	f.dir.roster = f.dir.roster[:1]
	dec, err = f.svc.Refresh(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, approval.OutcomeApproved, dec.Outcome)
	require.Equal(t, []float64{300}, f.ledger.commits)
}

func TestConcurrentDecisionsAllRecorded(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{
		{ApproverType: approval.ApproverFixed, Approvers: []int64{1, 2}, RequireAll: true},
	})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 750, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	// Both approvers decide at the same time. Each decision must survive:
	// losing either one would strand the requireAll step forever.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []int64{1, 2} {
		wg.Add(1)
		go func(i int, actor int64) {
			defer wg.Done()
			_, errs[i] = f.svc.Decide(ctx, res.PO.ID, actor, approval.DecisionApprove, "")
		}(i, actor)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	po, err := f.svc.Get(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, po.Status)
	require.Len(t, po.Steps[0].Decisions, 2)
	require.Equal(t, []float64{750}, f.ledger.commits)
}

func TestRefreshRepairsFailedLedgerCommit(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"PM"}}})
	f.ledger.commitErr = errors.New("ledger unavailable")
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 600, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	// The final approval lands but the ledger call fails afterwards.
	_, err = f.svc.Decide(ctx, res.PO.ID, 1, approval.DecisionApprove, "")
	require.Error(t, err)
	po, err := f.svc.Get(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, po.Status)
	require.Empty(t, f.ledger.commits)

	f.ledger.commitErr = nil
	dec, err := f.svc.Refresh(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, approval.OutcomeApproved, dec.Outcome)
	require.Equal(t, []float64{600}, f.ledger.commits)

	// Still exactly once on further refreshes.
	_, err = f.svc.Refresh(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, []float64{600}, f.ledger.commits)
}

func TestCancelReleasesCommitment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 500, CreatedBy: 9, Submit: true})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, res.PO.Status)

	require.NoError(t, f.svc.Cancel(ctx, res.PO.ID, 9))
	require.Equal(t, []float64{500}, f.ledger.releases)

	po, err := f.svc.Get(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, po.Status)
}

func TestCancelBlockedByInvoices(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 500, CreatedBy: 9, Submit: true})
	require.NoError(t, err)
	require.NoError(t, f.svc.AddInvoicedAmount(ctx, res.PO.ID, 200))

	require.ErrorIs(t, f.svc.Cancel(ctx, res.PO.ID, 9), ErrHasInvoices)
	require.Empty(t, f.ledger.releases)
}

func TestDeleteReclaimsLatestNumberOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9})
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9})
	require.NoError(t, err)

	// Deleting the latest hands its number back.
	require.NoError(t, f.svc.Delete(ctx, second.PO.ID, 9))
	next, err := f.seq.Next(ctx, 1, sequence.KindPurchaseOrder)
	require.NoError(t, err)
	require.Equal(t, int64(2), next)

	// Deleting a non-latest document leaves a permanent gap.
	require.NoError(t, f.svc.Delete(ctx, first.PO.ID, 9))
	next, err = f.seq.Next(ctx, 1, sequence.KindPurchaseOrder)
	require.NoError(t, err)
	require.Equal(t, int64(3), next)
}

func TestDeleteApprovedReleasesCommitment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 500, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, res.PO.ID, 9))
	require.Equal(t, []float64{500}, f.ledger.releases)
	_, err = f.svc.Get(ctx, res.PO.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCloseRequiresApproved(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverRole, Roles: []string{"PM"}}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Close(ctx, res.PO.ID, 9), ErrInvalidState)

	_, err = f.svc.Decide(ctx, res.PO.ID, 1, approval.DecisionApprove, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(ctx, res.PO.ID, 9))

	po, err := f.svc.Get(ctx, res.PO.ID)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, po.Status)
}

func TestStalledApprovalsListing(t *testing.T) {
	f := newFixture(t, []approval.StepConfig{{ApproverType: approval.ApproverHOD, Department: "ACCOUNTS"}})
	ctx := context.Background()
	res, err := f.svc.Create(ctx, CreatePOInput{ProjectID: 1, SupplierID: 5, SubAccountID: 10, Amount: 100, CreatedBy: 9, Submit: true})
	require.NoError(t, err)

	stalled, err := f.svc.StalledApprovals(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int{1}, stalled[res.PO.ID])

	// An ACCOUNTS department head joining clears the listing.
	f.dir.roster = append(f.dir.roster, members.Member{UserID: 10, Department: "ACCOUNTS", Position: members.PositionHOD})
	stalled, err = f.svc.StalledApprovals(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, stalled)
}
