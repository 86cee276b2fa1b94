package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/battleforge/backend/internal/config"
	"github.com/battleforge/backend/internal/models"
)

// EconomyService executes currency transfers and item purchases as
// all-or-nothing database transactions and keeps catalog prices in line with
// supply. Wallet rows are locked in consistent key order to prevent
// deadlocks between concurrent transfers.
type EconomyService struct {
	db  *sql.DB
	cfg *config.GameConfig
}

func NewEconomyService(db *sql.DB, cfg *config.GameConfig) *EconomyService {
	return &EconomyService{db: db, cfg: cfg}
}

// TransferCurrency moves amount from one wallet to another and appends one
// transaction record to each wallet's log. Any precondition violation aborts
// with zero observable side effects.
func (s *EconomyService) TransferCurrency(ctx context.Context, fromUserID, toUserID string, amount int64, description string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: transfer amount must be positive", ErrValidation)
	}
	if fromUserID == toUserID {
		return false, fmt.Errorf("%w: cannot transfer to same wallet", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin transfer: %v", ErrInfrastructure, err)
	}
	defer tx.Rollback()

	// Lock wallets in consistent order to prevent deadlocks
	firstLock, secondLock := fromUserID, toUserID
	if fromUserID > toUserID {
		firstLock, secondLock = toUserID, fromUserID
	}

	firstWallet, err := s.lockWallet(ctx, tx, firstLock)
	if err != nil {
		return false, err
	}
	secondWallet, err := s.lockWallet(ctx, tx, secondLock)
	if err != nil {
		return false, err
	}

	fromWallet, toWallet := firstWallet, secondWallet
	if firstLock != fromUserID {
		fromWallet, toWallet = secondWallet, firstWallet
	}

	if fromWallet.Balance < amount {
		return false, fmt.Errorf("%w: balance %d below transfer amount %d", ErrInsufficientResource, fromWallet.Balance, amount)
	}

	if err := s.updateBalance(ctx, tx, fromWallet.UserID, fromWallet.Balance-amount); err != nil {
		return false, err
	}
	if err := s.updateBalance(ctx, tx, toWallet.UserID, toWallet.Balance+amount); err != nil {
		return false, err
	}

	// Both log entries reference the same logical transfer.
	if err := s.appendTransaction(ctx, tx, fromWallet.UserID, &fromUserID, toUserID, amount, models.TransactionTransfer, nil, description); err != nil {
		return false, err
	}
	if err := s.appendTransaction(ctx, tx, toWallet.UserID, &fromUserID, toUserID, amount, models.TransactionTransfer, nil, description); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit transfer: %v", ErrInfrastructure, err)
	}

	log.Printf("[ECONOMY] Transferred %d from %s to %s", amount, fromUserID, toUserID)
	return true, nil
}

// PurchaseItem debits the wallet, merges the quantity into the inventory and
// decrements the item supply in one transaction. After commit it triggers a
// best-effort price recomputation for the purchased item; the current price
// may read stale for a moment, which is accepted.
func (s *EconomyService) PurchaseItem(ctx context.Context, userID, itemID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("%w: purchase quantity must be positive", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin purchase: %v", ErrInfrastructure, err)
	}
	defer tx.Rollback()

	wallet, err := s.lockWallet(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	item, err := s.lockItem(ctx, tx, itemID)
	if err != nil {
		return false, err
	}

	var maxSlots int
	err = tx.QueryRowContext(ctx, `
		SELECT max_slots FROM inventories
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&maxSlots)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("%w: inventory for %s", ErrNotFound, userID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: lock inventory: %v", ErrInfrastructure, err)
	}

	totalCost := item.CurrentPrice * int64(quantity)
	if wallet.Balance < totalCost {
		return false, fmt.Errorf("%w: balance %d below cost %d", ErrInsufficientResource, wallet.Balance, totalCost)
	}
	if item.CurrentSupply < quantity {
		return false, fmt.Errorf("%w: supply %d below quantity %d", ErrInsufficientResource, item.CurrentSupply, quantity)
	}

	var usedSlots, existingSlots int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE item_id = $2)
		FROM inventory_slots
		WHERE user_id = $1`, userID, itemID).Scan(&usedSlots, &existingSlots)
	if err != nil {
		return false, fmt.Errorf("%w: count inventory slots: %v", ErrInfrastructure, err)
	}
	if existingSlots == 0 && usedSlots >= maxSlots {
		return false, fmt.Errorf("%w: inventory full (%d slots)", ErrInsufficientResource, maxSlots)
	}

	if err := s.updateBalance(ctx, tx, userID, wallet.Balance-totalCost); err != nil {
		return false, err
	}

	description := fmt.Sprintf("Purchased %dx %s", quantity, item.Name)
	if err := s.appendTransaction(ctx, tx, userID, nil, userID, totalCost, models.TransactionDebit, &itemID, description); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_slots (user_id, item_id, quantity, durability)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, item_id)
		DO UPDATE SET quantity = inventory_slots.quantity + EXCLUDED.quantity`,
		userID, itemID, quantity, item.Durability)
	if err != nil {
		return false, fmt.Errorf("%w: merge inventory slot: %v", ErrInfrastructure, err)
	}

	// Supply guard: the conditional update keeps current_supply from ever
	// going negative even if the row lock is bypassed.
	result, err := tx.ExecContext(ctx, `
		UPDATE items
		SET current_supply = current_supply - $1, updated_at = NOW()
		WHERE item_id = $2 AND current_supply >= $1`, quantity, itemID)
	if err != nil {
		return false, fmt.Errorf("%w: decrement supply: %v", ErrInfrastructure, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return false, fmt.Errorf("%w: lost supply race for item %s", ErrConflict, itemID)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit purchase: %v", ErrInfrastructure, err)
	}

	log.Printf("[ECONOMY] %s purchased %dx %s for %d", userID, quantity, itemID, totalCost)

	// Post-commit, best-effort: the pricing sweep will catch up if this fails.
	if err := s.RecomputePrice(ctx, itemID); err != nil {
		log.Printf("[ECONOMY] Post-purchase price update failed for %s: %v", itemID, err)
	}

	return true, nil
}

// RecomputePrice derives the current price from remaining supply. A sold-out
// item gets the maximum scarcity multiplier instead of dividing by zero.
func (s *EconomyService) RecomputePrice(ctx context.Context, itemID string) error {
	var basePrice int64
	var maxSupply, currentSupply int
	err := s.db.QueryRowContext(ctx, `
		SELECT base_price, max_supply, current_supply FROM items
		WHERE item_id = $1`, itemID).Scan(&basePrice, &maxSupply, &currentSupply)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	if err != nil {
		return fmt.Errorf("%w: read item: %v", ErrInfrastructure, err)
	}

	multiplier := s.cfg.PriceMaxMultiplier
	if currentSupply > 0 && maxSupply > 0 {
		supplyRatio := float64(currentSupply) / float64(maxSupply)
		multiplier = math.Max(s.cfg.PriceMinMultiplier, math.Min(s.cfg.PriceMaxMultiplier, 1/supplyRatio))
	}
	newPrice := int64(math.Round(float64(basePrice) * multiplier))

	_, err = s.db.ExecContext(ctx, `
		UPDATE items SET current_price = $1, updated_at = NOW()
		WHERE item_id = $2`, newPrice, itemID)
	if err != nil {
		return fmt.Errorf("%w: update price: %v", ErrInfrastructure, err)
	}
	return nil
}

// StartPricingJob sweeps the whole catalog at a fixed interval until stop
// closes. A failure on one item is logged and the sweep continues.
func (s *EconomyService) StartPricingJob(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PriceUpdateInterval)
	defer ticker.Stop()

	log.Printf("[PRICING] Price update job started (interval %v)", s.cfg.PriceUpdateInterval)
	for {
		select {
		case <-stop:
			log.Println("[PRICING] Price update job stopped")
			return
		case <-ticker.C:
			s.sweepPrices(context.Background())
		}
	}
}

func (s *EconomyService) sweepPrices(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM items`)
	if err != nil {
		log.Printf("[PRICING] Failed to list catalog: %v", err)
		return
	}
	defer rows.Close()

	var itemIDs []string
	for rows.Next() {
		var itemID string
		if err := rows.Scan(&itemID); err != nil {
			log.Printf("[PRICING] Failed to scan item id: %v", err)
			return
		}
		itemIDs = append(itemIDs, itemID)
	}

	for _, itemID := range itemIDs {
		if err := s.RecomputePrice(ctx, itemID); err != nil {
			log.Printf("[PRICING] Failed to recompute price for %s: %v", itemID, err)
		}
	}
}

// GetWallet returns the wallet and its most recent log entries.
func (s *EconomyService) GetWallet(ctx context.Context, userID string) (*models.WalletView, error) {
	view := &models.WalletView{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, updated_at FROM wallets
		WHERE user_id = $1`, userID).Scan(&view.UserID, &view.Balance, &view.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: wallet for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch wallet: %v", ErrInfrastructure, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_user_id, from_user_id, to_user_id, amount, kind, item_id, description, created_at
		FROM wallet_transactions
		WHERE wallet_user_id = $1
		ORDER BY created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch transactions: %v", ErrInfrastructure, err)
	}
	defer rows.Close()

	view.Transactions = []models.Transaction{}
	for rows.Next() {
		var txn models.Transaction
		err := rows.Scan(&txn.ID, &txn.WalletUserID, &txn.FromUserID, &txn.ToUserID,
			&txn.Amount, &txn.Kind, &txn.ItemID, &txn.Description, &txn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", ErrInfrastructure, err)
		}
		view.Transactions = append(view.Transactions, txn)
	}
	return view, nil
}

// GetInventory returns the inventory and its slots.
func (s *EconomyService) GetInventory(ctx context.Context, userID string) (*models.Inventory, error) {
	inv := &models.Inventory{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, max_slots, updated_at FROM inventories
		WHERE user_id = $1`, userID).Scan(&inv.UserID, &inv.MaxSlots, &inv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: inventory for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch inventory: %v", ErrInfrastructure, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, quantity, durability, attributes
		FROM inventory_slots
		WHERE user_id = $1
		ORDER BY item_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch inventory slots: %v", ErrInfrastructure, err)
	}
	defer rows.Close()

	inv.Slots = []models.InventorySlot{}
	for rows.Next() {
		slot := models.InventorySlot{UserID: userID}
		if err := rows.Scan(&slot.ItemID, &slot.Quantity, &slot.Durability, &slot.Attributes); err != nil {
			return nil, fmt.Errorf("%w: scan inventory slot: %v", ErrInfrastructure, err)
		}
		inv.Slots = append(inv.Slots, slot)
	}
	return inv, nil
}

// ListMarketItems returns the in-stock catalog ordered by ascending price.
func (s *EconomyService) ListMarketItems(ctx context.Context) ([]models.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, name, description, rarity, base_price, current_price,
		       max_supply, current_supply, durability, attributes, created_at, updated_at
		FROM items
		WHERE current_supply > 0
		ORDER BY current_price ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch market items: %v", ErrInfrastructure, err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		var item models.Item
		err := rows.Scan(&item.ItemID, &item.Name, &item.Description, &item.Rarity,
			&item.BasePrice, &item.CurrentPrice, &item.MaxSupply, &item.CurrentSupply,
			&item.Durability, &item.Attributes, &item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan market item: %v", ErrInfrastructure, err)
		}
		items = append(items, item)
	}
	return items, nil
}

type lockedWallet struct {
	UserID  string
	Balance int64
}

type lockedItem struct {
	ItemID        string
	Name          string
	CurrentPrice  int64
	CurrentSupply int
	Durability    *int
}

func (s *EconomyService) lockWallet(ctx context.Context, tx *sql.Tx, userID string) (*lockedWallet, error) {
	wallet := &lockedWallet{}
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, balance FROM wallets
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&wallet.UserID, &wallet.Balance)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: wallet for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock wallet: %v", ErrInfrastructure, err)
	}
	return wallet, nil
}

func (s *EconomyService) lockItem(ctx context.Context, tx *sql.Tx, itemID string) (*lockedItem, error) {
	item := &lockedItem{}
	err := tx.QueryRowContext(ctx, `
		SELECT item_id, name, current_price, current_supply, durability FROM items
		WHERE item_id = $1
		FOR UPDATE`, itemID).Scan(&item.ItemID, &item.Name, &item.CurrentPrice, &item.CurrentSupply, &item.Durability)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock item: %v", ErrInfrastructure, err)
	}
	return item, nil
}

func (s *EconomyService) updateBalance(ctx context.Context, tx *sql.Tx, userID string, newBalance int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = $1, updated_at = NOW()
		WHERE user_id = $2`, newBalance, userID)
	if err != nil {
		return fmt.Errorf("%w: update balance: %v", ErrInfrastructure, err)
	}
	return nil
}

func (s *EconomyService) appendTransaction(ctx context.Context, tx *sql.Tx, walletUserID string, fromUserID *string, toUserID string, amount int64, kind string, itemID *string, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (wallet_user_id, from_user_id, to_user_id, amount, kind, item_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		walletUserID, fromUserID, toUserID, amount, kind, itemID, description)
	if err != nil {
		return fmt.Errorf("%w: append transaction: %v", ErrInfrastructure, err)
	}
	return nil
}
