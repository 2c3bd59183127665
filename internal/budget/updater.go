package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

// Updater adds sale spend to the customer's budget for the month the sale
// happened in. It opens its own transaction and is never part of the sale
// commit.
type Updater struct {
	repo store.Repository
	now  func() time.Time
}

func NewUpdater(repo store.Repository) *Updater {
	return &Updater{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// UpdateActualsFromOrder books each line into the budget of the month it was
// sold in. Lines without a sale time fall back to the current month.
func (u *Updater) UpdateActualsFromOrder(ctx context.Context, tenantID string, customerID string, items []domain.BudgetLine) error {
	if customerID == "" || len(items) == 0 {
		return nil
	}

	spend := make(map[time.Time]map[string]decimal.Decimal, 1)
	for _, item := range items {
		soldAt := item.SoldAt
		if soldAt.IsZero() {
			soldAt = u.now()
		}
		month := store.MonthStart(soldAt)
		if spend[month] == nil {
			spend[month] = map[string]decimal.Decimal{}
		}
		spend[month][item.ProductID] = spend[month][item.ProductID].Add(item.Subtotal)
	}
	months := make([]time.Time, 0, len(spend))
	for month := range spend {
		months = append(months, month)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	return u.repo.WithinTx(ctx, func(tx store.Tx) error {
		for _, month := range months {
			budget, err := tx.FindBudget(ctx, tenantID, customerID, month)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("find budget %s: %w", month.Format("2006-01"), err)
			}

			for _, item := range budget.Items {
				amount := spend[month][item.ProductID]
				if amount.IsZero() {
					continue
				}
				if err := tx.AddBudgetItemActual(ctx, item.ID, amount); err != nil {
					return fmt.Errorf("budget item %s: %w", item.ID, err)
				}
			}
		}
		return nil
	})
}
