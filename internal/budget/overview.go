package budget

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// SubAccountView is a subaccount with its derived availability serialized.
type SubAccountView struct {
	SubAccount
	Available float64 `json:"available"`
}

// AccountOverview is an account with its subaccounts and rolled-up figures.
type AccountOverview struct {
	Account
	SubAccounts []SubAccountView `json:"subAccounts"`
	Budgeted    float64          `json:"budgeted"`
	Committed   float64          `json:"committed"`
	Actual      float64          `json:"actual"`
	Available   float64          `json:"available"`
}

// Overview is the project budget rollup.
type Overview struct {
	ProjectID int64             `json:"projectId"`
	Accounts  []AccountOverview `json:"accounts"`
	Budgeted  float64           `json:"budgeted"`
	Committed float64           `json:"committed"`
	Actual    float64           `json:"actual"`
	Available float64           `json:"available"`
}

// UseCache attaches the overview cache. Without one, overviews are always
// assembled fresh.
func (s *Service) UseCache(cache *Cache) {
	s.cache = cache
}

// Overview assembles the project's budget rollup. Availability is derived
// at read time, never read from storage.
func (s *Service) Overview(ctx context.Context, projectID int64) (Overview, error) {
	if projectID == 0 {
		return Overview{}, ErrValidation
	}
	key, err := s.cache.BuildKey(ctx, keyOverview(projectID)...)
	if err != nil {
		return Overview{}, err
	}
	var overview Overview
	err = s.cache.FetchJSON(ctx, key, &overview, func(ctx context.Context) (any, error) {
		return s.buildOverview(ctx, projectID)
	})
	return overview, err
}

func (s *Service) buildOverview(ctx context.Context, projectID int64) (Overview, error) {
	var (
		accounts []Account
		subs     []SubAccount
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		accounts, err = s.repo.ListAccounts(ctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		subs, err = s.repo.ListSubAccounts(ctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}

	byAccount := make(map[int64][]SubAccountView, len(accounts))
	for _, sub := range subs {
		byAccount[sub.AccountID] = append(byAccount[sub.AccountID], SubAccountView{SubAccount: sub, Available: sub.Available()})
	}

	overview := Overview{ProjectID: projectID, Accounts: make([]AccountOverview, 0, len(accounts))}
	for _, account := range accounts {
		ao := AccountOverview{Account: account, SubAccounts: byAccount[account.ID]}
		for _, sub := range ao.SubAccounts {
			ao.Budgeted += sub.Budgeted
			ao.Committed += sub.Committed
			ao.Actual += sub.Actual
		}
		ao.Budgeted = round2(ao.Budgeted)
		ao.Committed = round2(ao.Committed)
		ao.Actual = round2(ao.Actual)
		ao.Available = round2(ao.Budgeted - ao.Committed - ao.Actual)
		overview.Budgeted += ao.Budgeted
		overview.Committed += ao.Committed
		overview.Actual += ao.Actual
		overview.Accounts = append(overview.Accounts, ao)
	}
	overview.Budgeted = round2(overview.Budgeted)
	overview.Committed = round2(overview.Committed)
	overview.Actual = round2(overview.Actual)
	overview.Available = round2(overview.Budgeted - overview.Committed - overview.Actual)
	return overview, nil
}
