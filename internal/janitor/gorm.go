package janitor

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// roomRow maps the columns of the rooms table the sweep needs.
type roomRow struct {
	Code      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (roomRow) TableName() string { return "rooms" }

// GormSweeper deletes expired rows from the PostgreSQL rooms table. The
// delete fires the table's change trigger, so subscribers see the room close.
type GormSweeper struct {
	db *gorm.DB
}

func NewGormSweeper(dsn string) (*GormSweeper, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("janitor: open database: %w", err)
	}
	return &GormSweeper{db: db}, nil
}

func (g *GormSweeper) SweepOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res := g.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&roomRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("janitor: sweep: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (g *GormSweeper) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
