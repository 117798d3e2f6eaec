package database

import (
	"context"
	"time"

	"ipwarden/internal/domain"

	"gorm.io/gorm"
)

const auditInsertBatchSize = 500

// IPCount is one row of a per-ip aggregate.
type IPCount struct {
	IP    string
	Count int64
}

// IPPathCount is one row of a per-(ip, path) aggregate.
type IPPathCount struct {
	IP    string
	Path  string
	Count int64
}

type CountryCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

type CityCountry struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// GeoStats summarises the enrichment data of the whole audit trail.
type GeoStats struct {
	TotalRequests     int64          `json:"total_requests"`
	Countries         int64          `json:"countries"`
	Cities            []CityCountry  `json:"cities"`
	RequestsByCountry []CountryCount `json:"requests_by_country"`
}

// InsertAuditRecord appends a single record.
func InsertAuditRecord(ctx context.Context, record *domain.AuditRecord) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.Create(record).Error
}

// InsertAuditRecords appends records in the given order. Either every record
// is written or none is.
func InsertAuditRecords(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&records, auditInsertBatchSize).Error
	})
}

// RecentAuditRecords returns the newest records first.
func RecentAuditRecords(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	var records []domain.AuditRecord
	if err := db.Order("timestamp DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CountAuditRecords returns the total number of stored records.
func CountAuditRecords(ctx context.Context) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.Model(&domain.AuditRecord{}).Count(&count).Error
	return count, err
}

// IPsExceedingSince groups records newer than since by ip and keeps the ips
// with more than threshold requests.
func IPsExceedingSince(ctx context.Context, since time.Time, threshold int64) ([]IPCount, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []IPCount
	err = db.Model(&domain.AuditRecord{}).
		Select("ip, COUNT(*) AS count").
		Where("timestamp >= ?", since).
		Group("ip").
		Having("COUNT(*) > ?", threshold).
		Order("ip").
		Scan(&rows).Error
	return rows, err
}

// SensitiveHitsSince returns per-(ip, path) counts for records newer than since
// whose path is one of paths.
func SensitiveHitsSince(ctx context.Context, since time.Time, paths []string) ([]IPPathCount, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []IPPathCount
	err = db.Model(&domain.AuditRecord{}).
		Select("ip, path, COUNT(*) AS count").
		Where("timestamp >= ? AND path IN ?", since, paths).
		Group("ip, path").
		Order("ip, path").
		Scan(&rows).Error
	return rows, err
}

// DistinctPathsSince returns ips that requested more than threshold distinct
// paths since the given time.
func DistinctPathsSince(ctx context.Context, since time.Time, threshold int64) ([]IPCount, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var rows []IPCount
	err = db.Model(&domain.AuditRecord{}).
		Select("ip, COUNT(DISTINCT path) AS count").
		Where("timestamp >= ?", since).
		Group("ip").
		Having("COUNT(DISTINCT path) > ?", threshold).
		Order("ip").
		Scan(&rows).Error
	return rows, err
}

// GetGeoStats aggregates the enrichment columns of the audit trail.
func GetGeoStats(ctx context.Context) (GeoStats, error) {
	var stats GeoStats

	db, err := conn(ctx)
	if err != nil {
		return stats, err
	}

	if err := db.Model(&domain.AuditRecord{}).Count(&stats.TotalRequests).Error; err != nil {
		return stats, err
	}

	if err := db.Model(&domain.AuditRecord{}).
		Where("country IS NOT NULL").
		Distinct("country").
		Count(&stats.Countries).Error; err != nil {
		return stats, err
	}

	if err := db.Model(&domain.AuditRecord{}).
		Select("DISTINCT city, country").
		Where("city IS NOT NULL").
		Order("country, city").
		Scan(&stats.Cities).Error; err != nil {
		return stats, err
	}

	if err := db.Model(&domain.AuditRecord{}).
		Select("country, COUNT(*) AS count").
		Where("country IS NOT NULL").
		Group("country").
		Order("count DESC").
		Limit(10).
		Scan(&stats.RequestsByCountry).Error; err != nil {
		return stats, err
	}

	return stats, nil
}
