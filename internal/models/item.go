package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Item rarities
const (
	RarityCommon    = "common"
	RarityUncommon  = "uncommon"
	RarityRare      = "rare"
	RarityEpic      = "epic"
	RarityLegendary = "legendary"
)

// Item is a shared catalog entry. CurrentPrice is derived from supply by the
// pricing job; purchases only decrement CurrentSupply.
type Item struct {
	ItemID        string     `json:"item_id" db:"item_id"`
	Name          string     `json:"name" db:"name"`
	Description   string     `json:"description" db:"description"`
	Rarity        string     `json:"rarity" db:"rarity"`
	BasePrice     int64      `json:"base_price" db:"base_price"`
	CurrentPrice  int64      `json:"current_price" db:"current_price"`
	MaxSupply     int        `json:"max_supply" db:"max_supply"`
	CurrentSupply int        `json:"current_supply" db:"current_supply"`
	Durability    *int       `json:"durability,omitempty" db:"durability"`
	Attributes    Attributes `json:"attributes" db:"attributes"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Attributes is a free-form bag stored as JSONB.
type Attributes map[string]any

// Value implements driver.Valuer for Attributes
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for Attributes
func (a *Attributes) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, a)
}
