package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"retailcore/backend/internal/domain"
	"retailcore/backend/internal/store"
	"retailcore/backend/internal/xid"
)

// Store keeps the whole dataset in process. Transactions are serialized by
// one mutex and run against a copy of the data that replaces the live copy
// only on commit, so a failed transaction leaves no trace.
type Store struct {
	mu        sync.Mutex
	data      *dataset
	sequences map[string]int64
	faults    map[string]error
}

type dataset struct {
	settings         map[string]domain.TenantSettings
	products         map[string]domain.Product
	salesByID        map[string]domain.Sale
	salesByIdem      map[string]string
	saleNumbers      map[string]string
	inventory        map[string]domain.InventoryRecord
	movements        []domain.InventoryMovement
	loyaltyMembers   map[string]domain.LoyaltyMember
	bankAccounts     map[string]domain.BankAccount
	bankTransactions []domain.BankTransaction
	accounts         map[string]domain.Account
	journalEntries   map[string]domain.JournalEntry
	customerBalances map[string]domain.CustomerBalance
	budgets          map[string]domain.Budget
	budgetItems      map[string]domain.BudgetItem
}

func New() *Store {
	return &Store{
		data: &dataset{
			settings:         map[string]domain.TenantSettings{},
			products:         map[string]domain.Product{},
			salesByID:        map[string]domain.Sale{},
			salesByIdem:      map[string]string{},
			saleNumbers:      map[string]string{},
			inventory:        map[string]domain.InventoryRecord{},
			loyaltyMembers:   map[string]domain.LoyaltyMember{},
			bankAccounts:     map[string]domain.BankAccount{},
			accounts:         map[string]domain.Account{},
			journalEntries:   map[string]domain.JournalEntry{},
			customerBalances: map[string]domain.CustomerBalance{},
			budgets:          map[string]domain.Budget{},
			budgetItems:      map[string]domain.BudgetItem{},
		},
		sequences: map[string]int64{},
		faults:    map[string]error{},
	}
}

// NewSeeded returns a store with one demo tenant, used when no DATABASE_URL
// is configured.
func NewSeeded() *Store {
	s := New()
	const tenant = "demo-tenant"
	const warehouse = "main-warehouse"

	cost := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	s.SeedProduct(domain.Product{TenantID: tenant, ID: "prod-rice-5kg", Name: "Rice 5kg", CostPrice: cost("52000")})
	s.SeedProduct(domain.Product{TenantID: tenant, ID: "prod-oil-1l", Name: "Cooking Oil 1L", CostPrice: cost("14500")})
	s.SeedProduct(domain.Product{TenantID: tenant, ID: "prod-bag", Name: "Shopping Bag"})
	s.SeedStock(tenant, "prod-rice-5kg", warehouse, decimal.NewFromInt(40))
	s.SeedStock(tenant, "prod-oil-1l", warehouse, decimal.NewFromInt(120))
	s.SeedStock(tenant, "prod-bag", warehouse, decimal.NewFromInt(500))
	s.SeedBankAccount(domain.BankAccount{ID: "till-1", TenantID: tenant, Name: "Till 1", Type: domain.BankAccountTypeCash, Active: true})
	s.SeedBankAccount(domain.BankAccount{ID: "bank-main", TenantID: tenant, Name: "Main Bank", Type: domain.BankAccountTypeBank, Active: true})
	return s
}

// InjectFault makes the next call of the named store or Tx method fail with err.
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return &store.TransientStoreError{Op: "begin", Err: err}
	}

	s.mu.Lock()
	tx := &memTx{store: s, data: s.data.clone()}
	err := fn(tx)
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = &store.TransientStoreError{Op: "commit", Err: ctxErr}
		}
	}
	if err == nil {
		s.data = tx.data
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

// NextSaleSequence lives outside the transactional dataset: a rolled back
// sale keeps the number it drew.
func (s *Store) NextSaleSequence(_ context.Context, tenantID string, day time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.faults["NextSaleSequence"]; ok {
		delete(s.faults, "NextSaleSequence")
		return 0, err
	}
	key := tenantID + "|" + store.DayStart(day).Format("20060102")
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) FindSaleByID(_ context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.data.salesByID[saleID]
	if !ok || sale.TenantID != tenantID {
		return nil, store.NotFound("sale", saleID)
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, tenantID string, key string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.findSaleByIdempotency(tenantID, key)
}

func (s *Store) FindJournalEntry(_ context.Context, tenantID string, journalEntryID string) (*domain.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data.journalEntries[journalEntryID]
	if !ok || entry.TenantID != tenantID {
		return nil, store.NotFound("journal entry", journalEntryID)
	}
	entry.Lines = append([]domain.LedgerEntry(nil), entry.Lines...)
	return &entry, nil
}

func (s *Store) ListMovements(_ context.Context, tenantID string, query domain.MovementQuery) ([]domain.InventoryMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.InventoryMovement, 0, 16)
	for i := len(s.data.movements) - 1; i >= 0; i-- {
		mv := s.data.movements[i]
		if mv.TenantID != tenantID {
			continue
		}
		if query.ProductID != "" && mv.ProductID != query.ProductID {
			continue
		}
		if query.WarehouseID != "" && mv.WarehouseID != query.WarehouseID {
			continue
		}
		out = append(out, mv)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetInventoryRecord(_ context.Context, tenantID string, productID string, warehouseID string) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.inventory[inventoryKey(tenantID, productID, warehouseID)]
	if !ok {
		return nil, store.NotFound("inventory record", productID+"@"+warehouseID)
	}
	return &rec, nil
}

type memTx struct {
	store *Store
	data  *dataset
	hooks []func(ctx context.Context)
}

// fault is called with the store mutex held.
func (t *memTx) fault(op string) error {
	err, ok := t.store.faults[op]
	if !ok {
		return nil
	}
	delete(t.store.faults, op)
	return err
}

func (t *memTx) OnCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func (t *memTx) GetTenantSettings(_ context.Context, tenantID string) (domain.TenantSettings, error) {
	if err := t.fault("GetTenantSettings"); err != nil {
		return domain.TenantSettings{}, err
	}
	settings, ok := t.data.settings[tenantID]
	if !ok {
		return domain.TenantSettings{TenantID: tenantID}, nil
	}
	return settings, nil
}

func (t *memTx) GetProductsByIDs(_ context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	if err := t.fault("GetProductsByIDs"); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.data.products[productKey(tenantID, id)]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) FindSaleByIdempotency(_ context.Context, tenantID string, key string) (*domain.Sale, error) {
	return t.data.findSaleByIdempotency(tenantID, key)
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if err := t.fault("InsertSale"); err != nil {
		return err
	}
	if sale.IdempotencyKey != "" {
		if _, ok := t.data.salesByIdem[sale.TenantID+"|"+sale.IdempotencyKey]; ok {
			return store.ErrDuplicateSale
		}
	}
	if _, ok := t.data.saleNumbers[sale.TenantID+"|"+sale.SaleNumber]; ok {
		return store.ErrDuplicateSale
	}
	sale.Items = nil
	t.data.salesByID[sale.ID] = sale
	t.data.saleNumbers[sale.TenantID+"|"+sale.SaleNumber] = sale.ID
	if sale.IdempotencyKey != "" {
		t.data.salesByIdem[sale.TenantID+"|"+sale.IdempotencyKey] = sale.ID
	}
	return nil
}

func (t *memTx) InsertSaleItems(_ context.Context, items []domain.SaleItem) error {
	if err := t.fault("InsertSaleItems"); err != nil {
		return err
	}
	for _, item := range items {
		sale, ok := t.data.salesByID[item.SaleID]
		if !ok {
			return store.NotFound("sale", item.SaleID)
		}
		sale.Items = append(append([]domain.SaleItem(nil), sale.Items...), item)
		t.data.salesByID[item.SaleID] = sale
	}
	return nil
}

func (t *memTx) SetSaleJournalEntry(_ context.Context, tenantID string, saleID string, journalEntryID string) error {
	sale, ok := t.data.salesByID[saleID]
	if !ok || sale.TenantID != tenantID {
		return store.NotFound("sale", saleID)
	}
	sale.JournalEntryID = journalEntryID
	t.data.salesByID[saleID] = sale
	return nil
}

func (t *memTx) LockInventoryRecord(_ context.Context, tenantID string, productID string, warehouseID string) (domain.InventoryRecord, error) {
	if err := t.fault("LockInventoryRecord"); err != nil {
		return domain.InventoryRecord{}, err
	}
	key := inventoryKey(tenantID, productID, warehouseID)
	rec, ok := t.data.inventory[key]
	if !ok {
		rec = domain.InventoryRecord{
			TenantID:    tenantID,
			ProductID:   productID,
			WarehouseID: warehouseID,
			Quantity:    decimal.Zero,
			UpdatedAt:   time.Now().UTC(),
		}
		t.data.inventory[key] = rec
	}
	return rec, nil
}

func (t *memTx) SetInventoryQuantity(_ context.Context, record domain.InventoryRecord) error {
	if err := t.fault("SetInventoryQuantity"); err != nil {
		return err
	}
	record.UpdatedAt = time.Now().UTC()
	t.data.inventory[inventoryKey(record.TenantID, record.ProductID, record.WarehouseID)] = record
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, movement domain.InventoryMovement) error {
	if err := t.fault("InsertMovement"); err != nil {
		return err
	}
	t.data.movements = append(t.data.movements, movement)
	return nil
}

func (t *memTx) SumMovements(_ context.Context, tenantID string, productID string, warehouseID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, mv := range t.data.movements {
		if mv.TenantID == tenantID && mv.ProductID == productID && mv.WarehouseID == warehouseID {
			total = total.Add(mv.Quantity)
		}
	}
	return total, nil
}

func (t *memTx) GetLoyaltyMember(_ context.Context, tenantID string, memberID string) (domain.LoyaltyMember, error) {
	member, ok := t.data.loyaltyMembers[memberID]
	if !ok || member.TenantID != tenantID {
		return domain.LoyaltyMember{}, store.NotFound("loyalty member", memberID)
	}
	return member, nil
}

func (t *memTx) AccrueLoyalty(_ context.Context, tenantID string, memberID string, pointsDelta int64, spend decimal.Decimal, tier string) (domain.LoyaltyMember, error) {
	if err := t.fault("AccrueLoyalty"); err != nil {
		return domain.LoyaltyMember{}, err
	}
	member, ok := t.data.loyaltyMembers[memberID]
	if !ok || member.TenantID != tenantID {
		return domain.LoyaltyMember{}, store.NotFound("loyalty member", memberID)
	}
	member.PointsBalance += pointsDelta
	member.TotalSpend = member.TotalSpend.Add(spend)
	member.VisitCount++
	if tier != "" {
		member.Tier = tier
	}
	t.data.loyaltyMembers[memberID] = member
	return member, nil
}

func (t *memTx) AddBankAccountBalance(_ context.Context, tenantID string, bankAccountID string, amount decimal.Decimal) (domain.BankAccount, error) {
	if err := t.fault("AddBankAccountBalance"); err != nil {
		return domain.BankAccount{}, err
	}
	account, ok := t.data.bankAccounts[bankAccountID]
	if !ok || account.TenantID != tenantID || !account.Active {
		return domain.BankAccount{}, store.NotFound("bank account", bankAccountID)
	}
	account.Balance = account.Balance.Add(amount)
	t.data.bankAccounts[bankAccountID] = account
	return account, nil
}

func (t *memTx) InsertBankTransaction(_ context.Context, txn domain.BankTransaction) error {
	t.data.bankTransactions = append(t.data.bankTransactions, txn)
	return nil
}

func (t *memTx) UpsertAccount(_ context.Context, account domain.Account) (domain.Account, error) {
	if err := t.fault("UpsertAccount"); err != nil {
		return domain.Account{}, err
	}
	key := account.TenantID + "|" + account.Code
	if existing, ok := t.data.accounts[key]; ok {
		return existing, nil
	}
	if account.ID == "" {
		account.ID = xid.New()
	}
	t.data.accounts[key] = account
	return account, nil
}

func (t *memTx) InsertJournalEntry(_ context.Context, entry domain.JournalEntry) error {
	if err := t.fault("InsertJournalEntry"); err != nil {
		return err
	}
	entry.Lines = append([]domain.LedgerEntry(nil), entry.Lines...)
	t.data.journalEntries[entry.ID] = entry
	return nil
}

func (t *memTx) AddCustomerBalance(_ context.Context, tenantID string, customerID string, amount decimal.Decimal) (domain.CustomerBalance, error) {
	if err := t.fault("AddCustomerBalance"); err != nil {
		return domain.CustomerBalance{}, err
	}
	key := tenantID + "|" + customerID
	balance, ok := t.data.customerBalances[key]
	if !ok {
		balance = domain.CustomerBalance{TenantID: tenantID, CustomerID: customerID, Balance: decimal.Zero}
	}
	balance.Balance = balance.Balance.Add(amount)
	balance.UpdatedAt = time.Now().UTC()
	t.data.customerBalances[key] = balance
	return balance, nil
}

func (t *memTx) FindBudget(_ context.Context, tenantID string, customerID string, month time.Time) (*domain.Budget, error) {
	if err := t.fault("FindBudget"); err != nil {
		return nil, err
	}
	month = store.MonthStart(month)
	for _, budget := range t.data.budgets {
		if budget.TenantID != tenantID || budget.CustomerID != customerID || !budget.Month.Equal(month) {
			continue
		}
		out := budget
		out.Items = make([]domain.BudgetItem, 0, 8)
		for _, item := range t.data.budgetItems {
			if item.BudgetID == budget.ID {
				out.Items = append(out.Items, item)
			}
		}
		sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })
		return &out, nil
	}
	return nil, store.NotFound("budget", customerID+"@"+month.Format("2006-01"))
}

func (t *memTx) AddBudgetItemActual(_ context.Context, budgetItemID string, amount decimal.Decimal) error {
	if err := t.fault("AddBudgetItemActual"); err != nil {
		return err
	}
	item, ok := t.data.budgetItems[budgetItemID]
	if !ok {
		return store.NotFound("budget item", budgetItemID)
	}
	item.ActualAmount = item.ActualAmount.Add(amount)
	t.data.budgetItems[budgetItemID] = item
	return nil
}

func (d *dataset) findSaleByIdempotency(tenantID string, key string) (*domain.Sale, error) {
	id, ok := d.salesByIdem[tenantID+"|"+key]
	if !ok {
		return nil, store.NotFound("sale", "idempotency:"+key)
	}
	return cloneSale(d.salesByID[id]), nil
}

func (d *dataset) clone() *dataset {
	return &dataset{
		settings:         cloneMap(d.settings),
		products:         cloneMap(d.products),
		salesByID:        cloneMap(d.salesByID),
		salesByIdem:      cloneMap(d.salesByIdem),
		saleNumbers:      cloneMap(d.saleNumbers),
		inventory:        cloneMap(d.inventory),
		movements:        append([]domain.InventoryMovement(nil), d.movements...),
		loyaltyMembers:   cloneMap(d.loyaltyMembers),
		bankAccounts:     cloneMap(d.bankAccounts),
		bankTransactions: append([]domain.BankTransaction(nil), d.bankTransactions...),
		accounts:         cloneMap(d.accounts),
		journalEntries:   cloneMap(d.journalEntries),
		customerBalances: cloneMap(d.customerBalances),
		budgets:          cloneMap(d.budgets),
		budgetItems:      cloneMap(d.budgetItems),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSale(sale domain.Sale) *domain.Sale {
	out := sale
	out.Items = append([]domain.SaleItem(nil), sale.Items...)
	out.PaymentSplits = append([]domain.PaymentSplit(nil), sale.PaymentSplits...)
	return &out
}

func inventoryKey(tenantID string, productID string, warehouseID string) string {
	return tenantID + "|" + productID + "|" + warehouseID
}

func productKey(tenantID string, productID string) string {
	return tenantID + "|" + productID
}

// Seeding and inspection helpers for dev mode and tests.

func (s *Store) SeedTenantSettings(settings domain.TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.settings[settings.TenantID] = settings
}

func (s *Store) SeedProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[productKey(product.TenantID, product.ID)] = product
}

// SeedStock sets the on-hand quantity and records it as a RECEIPT movement so
// that the movement log and the cached record agree.
func (s *Store) SeedStock(tenantID string, productID string, warehouseID string, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	key := inventoryKey(tenantID, productID, warehouseID)
	rec := s.data.inventory[key]
	rec.TenantID, rec.ProductID, rec.WarehouseID = tenantID, productID, warehouseID
	delta := qty.Sub(rec.Quantity)
	rec.Quantity = qty
	rec.UpdatedAt = now
	s.data.inventory[key] = rec
	s.data.movements = append(s.data.movements, domain.InventoryMovement{
		ID:          xid.New(),
		TenantID:    tenantID,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    delta,
		Type:        domain.MovementTypeReceipt,
		ReferenceID: "seed",
		OperatorID:  "system",
		CreatedAt:   now,
	})
}

// ForceInventoryQuantity overwrites the cached record without a movement.
func (s *Store) ForceInventoryQuantity(tenantID string, productID string, warehouseID string, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := inventoryKey(tenantID, productID, warehouseID)
	rec := s.data.inventory[key]
	rec.TenantID, rec.ProductID, rec.WarehouseID = tenantID, productID, warehouseID
	rec.Quantity = qty
	s.data.inventory[key] = rec
}

func (s *Store) SeedLoyaltyMember(member domain.LoyaltyMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if member.Status == "" {
		member.Status = domain.MemberStatusActive
	}
	s.data.loyaltyMembers[member.ID] = member
}

func (s *Store) SeedBankAccount(account domain.BankAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.bankAccounts[account.ID] = account
}

func (s *Store) SeedBudget(budget domain.Budget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	budget.Month = store.MonthStart(budget.Month)
	for i, item := range budget.Items {
		if item.ID == "" {
			item.ID = budget.ID + "-item-" + strconv.Itoa(i)
		}
		item.BudgetID = budget.ID
		s.data.budgetItems[item.ID] = item
	}
	budget.Items = nil
	s.data.budgets[budget.ID] = budget
}

func (s *Store) InventoryQuantity(tenantID string, productID string, warehouseID string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.inventory[inventoryKey(tenantID, productID, warehouseID)]
	return rec.Quantity, ok
}

func (s *Store) LoyaltyMember(memberID string) (domain.LoyaltyMember, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.data.loyaltyMembers[memberID]
	return member, ok
}

func (s *Store) BankAccount(bankAccountID string) (domain.BankAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.data.bankAccounts[bankAccountID]
	return account, ok
}

func (s *Store) BankTransactions(tenantID string) []domain.BankTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BankTransaction, 0, len(s.data.bankTransactions))
	for _, txn := range s.data.bankTransactions {
		if txn.TenantID == tenantID {
			out = append(out, txn)
		}
	}
	return out
}

func (s *Store) CustomerBalance(tenantID string, customerID string) (domain.CustomerBalance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.data.customerBalances[tenantID+"|"+customerID]
	return balance, ok
}

func (s *Store) BudgetItem(budgetItemID string) (domain.BudgetItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data.budgetItems[budgetItemID]
	return item, ok
}

func (s *Store) Accounts(tenantID string) []domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(s.data.accounts))
	for _, account := range s.data.accounts {
		if account.TenantID == tenantID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (s *Store) JournalEntries(tenantID string) []domain.JournalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.JournalEntry, 0, len(s.data.journalEntries))
	for _, entry := range s.data.journalEntries {
		if entry.TenantID == tenantID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Sales(tenantID string) []domain.Sale {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Sale, 0, len(s.data.salesByID))
	for _, sale := range s.data.salesByID {
		if sale.TenantID == tenantID {
			out = append(out, *cloneSale(sale))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaleNumber < out[j].SaleNumber })
	return out
}
