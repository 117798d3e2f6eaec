package database

import (
	"context"
	"errors"
	"time"

	"ipwarden/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateSuspicionFlagIfAbsent inserts flag unless an unresolved flag with the
// same (ip, reason_kind) exists. The partial unique index turns a concurrent
// duplicate into a no-op; the returned bool reports whether a row was written.
func CreateSuspicionFlagIfAbsent(ctx context.Context, flag *domain.SuspicionFlag) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	if flag.DetectedAt.IsZero() {
		flag.DetectedAt = time.Now().UTC()
	}
	flag.Resolved = false
	flag.ResolvedAt = nil

	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(flag)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListUnresolvedFlags returns every open flag, newest first.
func ListUnresolvedFlags(ctx context.Context) ([]domain.SuspicionFlag, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var flags []domain.SuspicionFlag
	if err := db.Where("resolved = ?", false).
		Order("detected_at DESC, id DESC").
		Find(&flags).Error; err != nil {
		return nil, err
	}
	return flags, nil
}

// CountUnresolvedFlags counts open flags for (ip, kind).
func CountUnresolvedFlags(ctx context.Context, ip string, kind domain.ReasonKind) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.SuspicionFlag{}).
		Where("ip = ? AND reason_kind = ? AND resolved = ?", ip, kind, false).
		Count(&count).Error
	return count, err
}

// ResolveSuspicionFlag marks the flag resolved at the given time. It returns
// gorm.ErrRecordNotFound when no flag has that id; resolving an already
// resolved flag keeps its original resolved_at.
func ResolveSuspicionFlag(ctx context.Context, id uint64, at time.Time) (domain.SuspicionFlag, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.SuspicionFlag{}, err
	}

	var flag domain.SuspicionFlag
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&flag, "id = ?", id).Error; err != nil {
			return err
		}
		if flag.Resolved {
			return nil
		}
		resolvedAt := at.UTC()
		if err := tx.Model(&domain.SuspicionFlag{}).
			Where("id = ? AND resolved = ?", id, false).
			Updates(map[string]any{"resolved": true, "resolved_at": resolvedAt}).Error; err != nil {
			return err
		}
		flag.Resolved = true
		flag.ResolvedAt = &resolvedAt
		return nil
	})
	if err != nil {
		return domain.SuspicionFlag{}, err
	}
	return flag, nil
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
