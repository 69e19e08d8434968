package feed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CatalogWriter replaces a supplier's rows in the site catalog.
type CatalogWriter struct {
	db *gorm.DB
}

func NewCatalogWriter(db *gorm.DB) *CatalogWriter {
	return &CatalogWriter{db: db}
}

// Replace deletes every row of supplierID and inserts items in one transaction.
// A missing table counts as zero rows to delete and is created.
func (w *CatalogWriter) Replace(ctx context.Context, supplierID int64, items []CatalogItem) (deleted int64, err error) {
	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Migrator().HasTable(&CatalogItem{}) {
			res := tx.Where("supplier_id = ?", supplierID).Delete(&CatalogItem{})
			if res.Error != nil {
				return fmt.Errorf("delete supplier %d: %w", supplierID, res.Error)
			}
			deleted = res.RowsAffected
		} else if err := tx.Migrator().CreateTable(&CatalogItem{}); err != nil {
			return fmt.Errorf("create catalog table: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].ID = 0
			items[i].SupplierID = supplierID
		}
		if err := tx.CreateInBatches(items, 500).Error; err != nil {
			return fmt.Errorf("insert supplier %d: %w", supplierID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (w *CatalogWriter) Close() error { return closeDB(w.db) }

func catalogItems(records []CanonicalRecord, prices []decimal.Decimal, currency Currency, profile string) []CatalogItem {
	items := make([]CatalogItem, len(records))
	for i, rec := range records {
		items[i] = CatalogItem{
			Profile:  profile,
			Code:     rec.Code,
			Unicode:  rec.Unicode,
			Brand:    rec.Brand,
			Name:     rec.Name,
			Stock:    rec.Stock,
			Currency: string(currency),
		}
		if i < len(prices) {
			items[i].Price = prices[i]
		}
	}
	return items
}
