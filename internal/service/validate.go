package service

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
)

var totalsTolerance = decimal.New(1, -2)

const (
	moneyPlaces    = 2
	quantityPlaces = 4
)

type moneyField struct {
	name  string
	value decimal.Decimal
}

// fitsPlaces reports whether d needs no more than places fractional digits,
// so storing it never rounds.
func fitsPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Round(places))
}

// salePlan is a validated, normalized SaleRequest.
type salePlan struct {
	req        domain.SaleRequest
	lines      []planLine
	productIDs []string
	subtotal   decimal.Decimal
	tendered   []domain.PaymentSplit
	routed     []domain.PaymentSplit
	totalPaid  decimal.Decimal
	changeDue  decimal.Decimal
}

type planLine struct {
	index int
	item  domain.SaleItemRequest
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func (o *SaleOrchestrator) validateStruct(v any) error {
	err := o.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		return store.Invalid(field, "failed "+fe.Tag()+" check")
	}
	return store.Invalid("", err.Error())
}

func (o *SaleOrchestrator) plan(req domain.SaleRequest) (salePlan, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.PaymentMethod = strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	req.Source = strings.ToUpper(strings.TrimSpace(req.Source))
	if req.Source == "" {
		req.Source = domain.SourcePOS
	}
	req.PaymentSplits = append([]domain.PaymentSplit(nil), req.PaymentSplits...)
	for i := range req.PaymentSplits {
		req.PaymentSplits[i].Method = strings.ToUpper(strings.TrimSpace(req.PaymentSplits[i].Method))
	}
	req.CustomerID = trimOptional(req.CustomerID)
	req.LoyaltyMemberID = trimOptional(req.LoyaltyMemberID)

	if err := o.validateStruct(req); err != nil {
		return salePlan{}, err
	}
	if strings.TrimSpace(req.OperatorID) == "" {
		return salePlan{}, store.Invalid("operator_id", "is required")
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return salePlan{}, store.Invalid("payment_method", "unsupported payment method "+req.PaymentMethod)
	}

	p := salePlan{req: req, subtotal: decimal.Zero}
	seen := make(map[string]struct{}, len(req.Items))
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if !item.Quantity.IsPositive() {
			return salePlan{}, store.Invalid(field+".quantity", "must be greater than zero")
		}
		if !fitsPlaces(item.Quantity, quantityPlaces) {
			return salePlan{}, store.Invalid(field+".quantity", "must have at most 4 decimal places")
		}
		if item.UnitPrice.IsNegative() || item.TaxAmount.IsNegative() || item.DiscountAmount.IsNegative() || item.Subtotal.IsNegative() {
			return salePlan{}, store.Invalid(field, "amounts must not be negative")
		}
		for _, amount := range []moneyField{
			{"unit_price", item.UnitPrice},
			{"tax_amount", item.TaxAmount},
			{"discount_amount", item.DiscountAmount},
			{"subtotal", item.Subtotal},
		} {
			if !fitsPlaces(amount.value, moneyPlaces) {
				return salePlan{}, store.Invalid(field+"."+amount.name, "must have at most 2 decimal places")
			}
		}
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.WarehouseID = firstNonEmpty(item.WarehouseID, req.WarehouseID, req.BranchID)
		p.lines = append(p.lines, planLine{index: i, item: item})
		p.subtotal = p.subtotal.Add(item.Subtotal)
		if _, ok := seen[item.ProductID]; !ok {
			seen[item.ProductID] = struct{}{}
			p.productIDs = append(p.productIDs, item.ProductID)
		}
	}
	sort.Strings(p.productIDs)

	// Inventory rows are locked in this order so concurrent sales cannot
	// deadlock on each other.
	sort.SliceStable(p.lines, func(i, j int) bool {
		a, b := p.lines[i].item, p.lines[j].item
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.WarehouseID < b.WarehouseID
	})

	if req.TaxTotal.IsNegative() {
		return salePlan{}, store.Invalid("tax_total", "must not be negative")
	}
	if req.DiscountTotal.IsNegative() {
		return salePlan{}, store.Invalid("discount_total", "must not be negative")
	}
	if req.GrandTotal.IsNegative() {
		return salePlan{}, store.Invalid("grand_total", "must not be negative")
	}
	for _, total := range []moneyField{
		{"tax_total", req.TaxTotal},
		{"discount_total", req.DiscountTotal},
		{"grand_total", req.GrandTotal},
	} {
		if !fitsPlaces(total.value, moneyPlaces) {
			return salePlan{}, store.Invalid(total.name, "must have at most 2 decimal places")
		}
	}
	expected := p.subtotal.Add(req.TaxTotal).Sub(req.DiscountTotal)
	if expected.Sub(req.GrandTotal).Abs().GreaterThan(totalsTolerance) {
		return salePlan{}, store.Invalid("grand_total",
			fmt.Sprintf("expected %s from items, tax and discount, got %s", expected.StringFixed(2), req.GrandTotal.StringFixed(2)))
	}

	if req.PointsRedeemed > 0 && req.LoyaltyMemberID == nil {
		return salePlan{}, store.Invalid("points_redeemed", "requires loyalty_member_id")
	}

	if req.PaymentMethod == domain.PaymentMethodCredit {
		if req.CustomerID == nil {
			return salePlan{}, store.Invalid("customer_id", "is required for credit sales")
		}
		if len(req.PaymentSplits) > 0 {
			return salePlan{}, store.Invalid("payment_splits", "must be empty for credit sales")
		}
		p.totalPaid = decimal.Zero
		p.changeDue = decimal.Zero
		return p, nil
	}

	if err := p.planPayments(); err != nil {
		return salePlan{}, err
	}
	return p, nil
}

// planPayments checks the tendered splits and derives what each account
// actually keeps. Change is handed back out of cash splits only.
func (p *salePlan) planPayments() error {
	req := p.req
	tendered := req.PaymentSplits
	if len(tendered) == 0 {
		tendered = []domain.PaymentSplit{{Method: req.PaymentMethod, Amount: req.GrandTotal}}
	}

	paid, cash := decimal.Zero, decimal.Zero
	for i, split := range tendered {
		field := fmt.Sprintf("payment_splits[%d]", i)
		if !isSplitMethodSupported(split.Method) {
			return store.Invalid(field+".method", "unsupported split method "+split.Method)
		}
		if !split.Amount.IsPositive() && !(len(req.PaymentSplits) == 0 && split.Amount.IsZero()) {
			return store.Invalid(field+".amount", "must be greater than zero")
		}
		if !fitsPlaces(split.Amount, moneyPlaces) {
			return store.Invalid(field+".amount", "must have at most 2 decimal places")
		}
		if split.BankAccountID != nil && strings.TrimSpace(*split.BankAccountID) == "" {
			tendered[i].BankAccountID = nil
		}
		paid = paid.Add(split.Amount)
		if split.Method == domain.PaymentMethodCash {
			cash = cash.Add(split.Amount)
		}
	}
	if paid.LessThan(req.GrandTotal) {
		return store.Invalid("payment_splits",
			fmt.Sprintf("paid %s is less than grand total %s", paid.StringFixed(2), req.GrandTotal.StringFixed(2)))
	}

	change := paid.Sub(req.GrandTotal)
	if change.GreaterThan(cash) {
		return store.Invalid("payment_splits", "change can only be given from cash")
	}

	routed := make([]domain.PaymentSplit, 0, len(tendered))
	remaining := change
	for _, split := range tendered {
		out := split
		if split.Method == domain.PaymentMethodCash && remaining.IsPositive() {
			give := decimal.Min(remaining, split.Amount)
			out.Amount = split.Amount.Sub(give)
			remaining = remaining.Sub(give)
		}
		routed = append(routed, out)
	}

	p.tendered = tendered
	p.routed = routed
	p.totalPaid = paid
	p.changeDue = change
	return nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer,
		domain.PaymentMethodQRIS, domain.PaymentMethodCredit, domain.PaymentMethodSplit:
		return true
	default:
		return false
	}
}

func isSplitMethodSupported(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer, domain.PaymentMethodQRIS:
		return true
	default:
		return false
	}
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
