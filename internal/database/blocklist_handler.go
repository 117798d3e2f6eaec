package database

import (
	"context"
	"errors"

	"ipwarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListBlockedIPs returns every blocked address as canonical text.
func ListBlockedIPs(ctx context.Context) ([]string, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	if err := db.Model(&domain.BlockedAddress{}).Pluck("ip", &ips).Error; err != nil {
		return nil, err
	}
	return ips, nil
}

// ListBlockedAddresses returns the full rows, newest first.
func ListBlockedAddresses(ctx context.Context) ([]domain.BlockedAddress, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []domain.BlockedAddress
	if err := db.Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// IsIPBlocked performs an exact-match lookup against the unique ip index.
func IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	var count int64
	if err := db.Model(&domain.BlockedAddress{}).Where("ip = ?", ip).Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertBlockedAddress is a get-or-create on the ip column. The returned bool is
// true only when this call inserted the row; concurrent duplicates resolve to
// exactly one insert through the unique index.
func InsertBlockedAddress(ctx context.Context, ip, reason string) (domain.BlockedAddress, bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.BlockedAddress{}, false, err
	}

	row := domain.BlockedAddress{IP: ip, Reason: reason}
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return domain.BlockedAddress{}, false, result.Error
	}
	if result.RowsAffected == 1 {
		return row, true, nil
	}

	var existing domain.BlockedAddress
	if err := db.Where("ip = ?", ip).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Deleted between the conflict and the read; report as not created.
			return row, false, nil
		}
		return domain.BlockedAddress{}, false, err
	}
	return existing, false, nil
}

// DeleteBlockedAddress removes the row for ip and reports whether one existed.
func DeleteBlockedAddress(ctx context.Context, ip string) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Where("ip = ?", ip).Delete(&domain.BlockedAddress{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
