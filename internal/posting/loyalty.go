package posting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

var (
	pointUnit      = decimal.NewFromInt(100)
	silverMinSpend = decimal.NewFromInt(1_000_000)
	goldMinSpend   = decimal.NewFromInt(5_000_000)
)

type LoyaltyAccrual struct{}

func NewLoyaltyAccrual() *LoyaltyAccrual {
	return &LoyaltyAccrual{}
}

// PointsFor returns one point per full 100 of grand total.
func PointsFor(grandTotal decimal.Decimal) int64 {
	if !grandTotal.IsPositive() {
		return 0
	}
	return grandTotal.Div(pointUnit).Floor().IntPart()
}

func TierFor(totalSpend decimal.Decimal) string {
	switch {
	case totalSpend.GreaterThanOrEqual(goldMinSpend):
		return domain.TierGold
	case totalSpend.GreaterThanOrEqual(silverMinSpend):
		return domain.TierSilver
	default:
		return domain.TierBronze
	}
}

func (a *LoyaltyAccrual) Apply(ctx context.Context, tx store.Tx, tenantID string, memberID string, grandTotal decimal.Decimal, redeemed int64) (domain.LoyaltyResult, error) {
	if redeemed < 0 {
		return domain.LoyaltyResult{}, store.Invalid("points_redeemed", "must not be negative")
	}

	member, err := tx.GetLoyaltyMember(ctx, tenantID, memberID)
	if err != nil {
		return domain.LoyaltyResult{}, err
	}
	if member.Status != domain.MemberStatusActive {
		return domain.LoyaltyResult{}, store.Invalid("loyalty_member_id", "member is not active")
	}
	if redeemed > member.PointsBalance {
		return domain.LoyaltyResult{}, store.Invalid("points_redeemed",
			fmt.Sprintf("exceeds balance of %d points", member.PointsBalance))
	}

	earned := PointsFor(grandTotal)
	tier := TierFor(member.TotalSpend.Add(grandTotal))

	updated, err := tx.AccrueLoyalty(ctx, tenantID, memberID, earned-redeemed, grandTotal, tier)
	if err != nil {
		return domain.LoyaltyResult{}, fmt.Errorf("accrue loyalty: %w", err)
	}
	return domain.LoyaltyResult{
		Member:         updated,
		PointsEarned:   earned,
		PointsRedeemed: redeemed,
	}, nil
}
