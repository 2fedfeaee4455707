package repository

import (
	"context"
	"errors"

	"deposit-engine/internal/models"
	"deposit-engine/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingTransferRepository durable pending store keyed by transaction id
type PendingTransferRepository interface {
	Upsert(ctx context.Context, entry *models.PendingTransfer) error
	Get(ctx context.Context, txID string) (*models.PendingTransfer, error)
	List(ctx context.Context) ([]*models.PendingTransfer, error)
	Delete(ctx context.Context, txID string) error
	Count(ctx context.Context) (int64, error)
}

type pendingTransferRepository struct {
	db *gorm.DB
}

// NewPendingTransferRepository creates a new PendingTransferRepository instance
func NewPendingTransferRepository(db *gorm.DB) PendingTransferRepository {
	return &pendingTransferRepository{db: db}
}

// Upsert inserts the entry or overwrites every column but created_at. An
// existing row owned by another wallet is left alone and ErrOwnedByOtherWallet
// is returned.
func (r *pendingTransferRepository) Upsert(ctx context.Context, entry *models.PendingTransfer) error {
	result := r.db.WithContext(ctx).Clauses(upsertClause(entry)).Create(entry)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrOwnedByOtherWallet
	}
	return nil
}

func upsertClause(entry *models.PendingTransfer) clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "tx_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"chain", "family", "currency", "custody_mode", "user_id",
			"from_address", "to_address", "amount", "fee", "status", "external_status",
			"block_ref", "confirmations", "required_confirmations", "observed_at", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: models.PendingTransfer{}.TableName(), Name: "wallet_id"}, Value: entry.WalletID},
		}},
	}
}

// Get returns nil, nil when the entry does not exist
func (r *pendingTransferRepository) Get(ctx context.Context, txID string) (*models.PendingTransfer, error) {
	var entry models.PendingTransfer
	err := r.db.WithContext(ctx).Where("tx_id = ?", txID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *pendingTransferRepository) List(ctx context.Context) ([]*models.PendingTransfer, error) {
	var entries []*models.PendingTransfer
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *pendingTransferRepository) Delete(ctx context.Context, txID string) error {
	return r.db.WithContext(ctx).Where("tx_id = ?", txID).Delete(&models.PendingTransfer{}).Error
}

func (r *pendingTransferRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.PendingTransfer{}).Count(&total).Error
	return total, err
}
