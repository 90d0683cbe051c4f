package journal

import (
	"gorm.io/gorm"

	"dynami/pkg/conn"
)

// gormDatabase adapts a gorm handle to the journal Database interface.
type gormDatabase struct {
	db *gorm.DB
}

func (g *gormDatabase) Create(value any) error {
	return g.db.Create(value).Error
}

func (g *gormDatabase) MarkCancelled(orderID uint64) error {
	return g.db.Model(&OrderRow{}).Where("id = ?", orderID).Update("cancelled", true).Error
}

func (g *gormDatabase) Close() error {
	return conn.Close(g.db)
}
