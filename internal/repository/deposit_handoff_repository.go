package repository

import (
	"context"

	"deposit-engine/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DepositHandoffRepository ledger of deposits already handed off
type DepositHandoffRepository interface {
	IsProcessed(ctx context.Context, chain, txID, walletID string) (bool, error)
	// Record returns false when the (chain, tx, wallet) row already existed
	Record(ctx context.Context, handoff *models.DepositHandoff) (bool, error)
}

type depositHandoffRepository struct {
	db *gorm.DB
}

// NewDepositHandoffRepository creates a new DepositHandoffRepository instance
func NewDepositHandoffRepository(db *gorm.DB) DepositHandoffRepository {
	return &depositHandoffRepository{db: db}
}

func (r *depositHandoffRepository) IsProcessed(ctx context.Context, chain, txID, walletID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.DepositHandoff{}).
		Where("chain = ? AND tx_id = ? AND wallet_id = ?", chain, txID, walletID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *depositHandoffRepository) Record(ctx context.Context, handoff *models.DepositHandoff) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(handoff)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
