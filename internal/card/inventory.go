// Package card materializes deliverables: inventory codes drawn from a
// card's ordered list and bodies fetched from a card's API URL.
package card

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/shopkeep/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOutOfStock is returned when an inventory card has no codes left.
var ErrOutOfStock = errors.New("card: out of stock")

// Inventory draws and returns one-off codes. Draws and returns on the same
// card are mutually exclusive.
type Inventory struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// NewInventory creates an Inventory backed by db.
func NewInventory(db *gorm.DB) *Inventory {
	return &Inventory{db: db, locks: make(map[uint]*sync.Mutex)}
}

func (inv *Inventory) lock(cardID uint) func() {
	inv.mu.Lock()
	l, ok := inv.locks[cardID]
	if !ok {
		l = &sync.Mutex{}
		inv.locks[cardID] = l
	}
	inv.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Draw removes and returns the head code of the card.
func (inv *Inventory) Draw(ctx context.Context, cardID uint) (string, error) {
	unlock := inv.lock(cardID)
	defer unlock()

	var row models.CardInventory
	err := inv.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("card_id = ?", cardID).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Order("position ASC, id ASC").
			Limit(1).
			Find(&row)
		if res.Error != nil {
			return fmt.Errorf("card: draw %d: %w", cardID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOutOfStock
		}
		if err := tx.Delete(&models.CardInventory{}, row.ID).Error; err != nil {
			return fmt.Errorf("card: draw %d: delete: %w", cardID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return row.Code, nil
}

// Return puts code back at the head of the card's list.
func (inv *Inventory) Return(ctx context.Context, cardID uint, code string) error {
	unlock := inv.lock(cardID)
	defer unlock()

	return inv.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head struct{ Min *int64 }
		if err := tx.Model(&models.CardInventory{}).
			Select("MIN(position) AS min").
			Where("card_id = ?", cardID).
			Scan(&head).Error; err != nil {
			return fmt.Errorf("card: return %d: %w", cardID, err)
		}
		pos := int64(0)
		if head.Min != nil {
			pos = *head.Min - 1
		}
		row := models.CardInventory{CardID: cardID, Position: pos, Code: code}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("card: return %d: %w", cardID, err)
		}
		return nil
	})
}

// Append adds codes at the tail of the card's list.
func (inv *Inventory) Append(ctx context.Context, cardID uint, codes ...string) error {
	if len(codes) == 0 {
		return nil
	}
	unlock := inv.lock(cardID)
	defer unlock()

	return inv.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tail struct{ Max *int64 }
		if err := tx.Model(&models.CardInventory{}).
			Select("MAX(position) AS max").
			Where("card_id = ?", cardID).
			Scan(&tail).Error; err != nil {
			return fmt.Errorf("card: append %d: %w", cardID, err)
		}
		next := int64(0)
		if tail.Max != nil {
			next = *tail.Max + 1
		}
		rows := make([]models.CardInventory, len(codes))
		for i, c := range codes {
			rows[i] = models.CardInventory{CardID: cardID, Position: next + int64(i), Code: c}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("card: append %d: %w", cardID, err)
		}
		return nil
	})
}

// Codes returns the card's codes, head first.
func (inv *Inventory) Codes(ctx context.Context, cardID uint) ([]string, error) {
	var codes []string
	err := inv.db.WithContext(ctx).Model(&models.CardInventory{}).
		Where("card_id = ?", cardID).
		Order("position ASC, id ASC").
		Pluck("code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("card: list %d: %w", cardID, err)
	}
	return codes, nil
}
