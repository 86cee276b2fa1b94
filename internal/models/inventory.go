package models

import (
	"time"
)

// InventorySlot references a catalog item held by a player. Duplicate item
// ids in one inventory are merged into a single slot's quantity.
type InventorySlot struct {
	UserID     string     `json:"-" db:"user_id"`
	ItemID     string     `json:"item_id" db:"item_id"`
	Quantity   int        `json:"quantity" db:"quantity"`
	Durability *int       `json:"durability,omitempty" db:"durability"`
	Attributes Attributes `json:"attributes" db:"attributes"`
}

// Inventory owns a player's item slots up to MaxSlots.
type Inventory struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MaxSlots  int             `json:"max_slots" db:"max_slots"`
	Slots     []InventorySlot `json:"items"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
