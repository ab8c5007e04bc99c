package budget

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryBudgetRepo struct {
	mu         sync.Mutex
	nextID     int64
	accounts   map[int64]Account
	subs       map[int64]SubAccount
	references map[int64]int
}

func newMemoryBudgetRepo() *memoryBudgetRepo {
	return &memoryBudgetRepo{
		accounts:   make(map[int64]Account),
		subs:       make(map[int64]SubAccount),
		references: make(map[int64]int),
	}
}

func (m *memoryBudgetRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryBudgetRepo) GetSubAccount(_ context.Context, id int64) (SubAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return SubAccount{}, ErrNotFound
	}
	return sub, nil
}

func (m *memoryBudgetRepo) GetAccount(_ context.Context, id int64) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (m *memoryBudgetRepo) ListAccounts(_ context.Context, projectID int64) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Account
	for _, a := range m.accounts {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryBudgetRepo) ListSubAccounts(_ context.Context, projectID int64) ([]SubAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SubAccount
	for _, s := range m.subs {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryBudgetRepo) CreateAccount(_ context.Context, a Account) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.accounts[a.ID] = a
	return a.ID, nil
}

func (m *memoryBudgetRepo) CreateSubAccount(_ context.Context, s SubAccount) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	m.subs[s.ID] = s
	return s.ID, nil
}

func (m *memoryBudgetRepo) DeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
	return nil
}

func (m *memoryBudgetRepo) DeleteSubAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *memoryBudgetRepo) CountSubAccounts(_ context.Context, accountID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.subs {
		if s.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (m *memoryBudgetRepo) CountSubAccountReferences(_ context.Context, subAccountID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.references[subAccountID], nil
}

func (m *memoryBudgetRepo) LockSubAccount(ctx context.Context, id int64) (SubAccount, error) {
	return m.GetSubAccount(ctx, id)
}

func (m *memoryBudgetRepo) UpdateFigures(_ context.Context, id int64, committed, actual float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.subs[id]
	sub.Committed = committed
	sub.Actual = actual
	m.subs[id] = sub
	return nil
}

func newLedger(t *testing.T) (*Service, *memoryBudgetRepo) {
	t.Helper()
	repo := newMemoryBudgetRepo()
	return NewService(repo, nil, slog.Default()), repo
}

func seedSubAccount(t *testing.T, svc *Service, budgeted float64) SubAccount {
	t.Helper()
	ctx := context.Background()
	account, err := svc.CreateAccount(ctx, CreateAccountInput{ProjectID: 1, Code: "100", Name: "Production"})
	require.NoError(t, err)
	sub, err := svc.CreateSubAccount(ctx, CreateSubAccountInput{AccountID: account.ID, Code: "100-01", Name: "Camera", Budgeted: budgeted})
	require.NoError(t, err)
	return sub
}

func TestAvailableHoldsAfterEveryOperation(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	sub := seedSubAccount(t, svc, 10000)

	check := func(committed, actual float64) {
		t.Helper()
		got, err := svc.SubAccount(ctx, sub.ID)
		require.NoError(t, err)
		require.Equal(t, committed, got.Committed)
		require.Equal(t, actual, got.Actual)
		require.Equal(t, got.Budgeted-got.Committed-got.Actual, got.Available())
	}

	require.NoError(t, svc.Commit(ctx, sub.ID, 4000))
	check(4000, 0)
	require.NoError(t, svc.Release(ctx, sub.ID, 1000))
	check(3000, 0)
	require.NoError(t, svc.Realize(ctx, sub.ID, 500))
	check(3000, 500)
	require.NoError(t, svc.RealizeCommitted(ctx, sub.ID, 3000))
	check(0, 3500)
}

func TestReleaseBelowZeroIsIntegrityError(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	sub := seedSubAccount(t, svc, 10000)

	require.NoError(t, svc.Commit(ctx, sub.ID, 1000))
	err := svc.Release(ctx, sub.ID, 1500)
	require.ErrorIs(t, err, ErrNegativeFigure)

	// The failed adjustment must not move the figures.
	got, err := svc.SubAccount(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1000.0, got.Committed)
}

func TestOverCommitmentIsAdvisoryNotBlocking(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	sub := seedSubAccount(t, svc, 1000)

	require.NoError(t, svc.Commit(ctx, sub.ID, 2500))
	got, err := svc.SubAccount(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, -1500.0, got.Available())
}

func TestAdjustmentsRoundToCents(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	sub := seedSubAccount(t, svc, 100)

	require.NoError(t, svc.Commit(ctx, sub.ID, 10.006))
	got, err := svc.SubAccount(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, 10.01, got.Committed)
}

func TestDeleteAccountBlockedWhileOwningSubAccounts(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()
	sub := seedSubAccount(t, svc, 100)

	require.ErrorIs(t, svc.DeleteAccount(ctx, sub.AccountID), ErrAccountNotEmpty)
	require.NoError(t, svc.DeleteSubAccount(ctx, sub.ID))
	require.NoError(t, svc.DeleteAccount(ctx, sub.AccountID))
}

func TestDeleteSubAccountBlockedWhileReferenced(t *testing.T) {
	svc, repo := newLedger(t)
	ctx := context.Background()
	sub := seedSubAccount(t, svc, 100)

	repo.references[sub.ID] = 2
	require.ErrorIs(t, svc.DeleteSubAccount(ctx, sub.ID), ErrSubAccountInUse)
}

func TestOverviewGroupsAndTotals(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	account, err := svc.CreateAccount(ctx, CreateAccountInput{ProjectID: 1, Code: "100", Name: "Production"})
	require.NoError(t, err)
	camera, err := svc.CreateSubAccount(ctx, CreateSubAccountInput{AccountID: account.ID, Code: "100-01", Name: "Camera", Budgeted: 6000})
	require.NoError(t, err)
	sound, err := svc.CreateSubAccount(ctx, CreateSubAccountInput{AccountID: account.ID, Code: "100-02", Name: "Sound", Budgeted: 4000})
	require.NoError(t, err)

	require.NoError(t, svc.Commit(ctx, camera.ID, 2500))
	require.NoError(t, svc.Realize(ctx, sound.ID, 1000))

	overview, err := svc.Overview(ctx, 1)
	require.NoError(t, err)
	require.Len(t, overview.Accounts, 1)
	require.Len(t, overview.Accounts[0].SubAccounts, 2)
	require.Equal(t, 10000.0, overview.Budgeted)
	require.Equal(t, 2500.0, overview.Committed)
	require.Equal(t, 1000.0, overview.Actual)
	require.Equal(t, 6500.0, overview.Available)
}
