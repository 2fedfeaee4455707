package repository

import (
	"context"

	"deposit-engine/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CustodialAddressRepository shared custodial deposit addresses
type CustodialAddressRepository interface {
	ListActive(ctx context.Context, chain string) ([]models.CustodialAddress, error)
	Save(ctx context.Context, address *models.CustodialAddress) error
}

type custodialAddressRepository struct {
	db *gorm.DB
}

// NewCustodialAddressRepository creates a new CustodialAddressRepository instance
func NewCustodialAddressRepository(db *gorm.DB) CustodialAddressRepository {
	return &custodialAddressRepository{db: db}
}

// ListActive id/address/chain/network of every active address on chain
func (r *custodialAddressRepository) ListActive(ctx context.Context, chain string) ([]models.CustodialAddress, error) {
	var addresses []models.CustodialAddress
	err := r.db.WithContext(ctx).
		Select("id", "address", "chain", "network").
		Where("chain = ? AND active = ?", chain, true).
		Find(&addresses).Error
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

func (r *custodialAddressRepository) Save(ctx context.Context, address *models.CustodialAddress) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "chain", "network", "active", "updated_at"}),
	}).Create(address).Error
}
