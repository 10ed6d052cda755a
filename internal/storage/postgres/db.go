// Package postgres 以 gorm 實作 store.Store，供多個 dispatcher 實例共用同一個資料庫。
//
// 可寫入交易中讀取 job 與 step result 時使用 SELECT ... FOR UPDATE，
// 同一任務的認領與回報因此在資料庫層序列化。
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
)

var log = slog.Default()

// ErrReadOnly 在 View 交易中寫入
var ErrReadOnly = fmt.Errorf("write in read-only transaction: %w", store.ErrInternal)

// Store gorm 儲存
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)
var _ store.StatsProvider = (*Store)(nil)

// Open 連線並建立資料表
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db)
}

// New 以既有的 gorm 連線建立 Store，並執行 AutoMigrate
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("postgres store ready")
	return &Store{db: db}, nil
}

// Update 在資料庫交易中執行 fn；fn 回傳錯誤時整筆回滾
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&pgTx{db: gtx, writable: true})
	})
}

// View 以唯讀交易執行 fn
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&pgTx{db: gtx})
	}, &sql.TxOptions{ReadOnly: true})
}

// Stats 資料表筆數與各狀態的任務數
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	db := s.db.WithContext(ctx)
	stats := store.Stats{JobStatus: make(map[string]int)}

	counts := []struct {
		model any
		dst   *int
	}{
		{&EventModel{}, &stats.Events},
		{&JobModel{}, &stats.Jobs},
		{&StepResultModel{}, &stats.StepResults},
		{&ClientModel{}, &stats.Clients},
	}
	for _, c := range counts {
		var n int64
		if err := db.Model(c.model).Count(&n).Error; err != nil {
			return store.Stats{}, err
		}
		*c.dst = int(n)
	}

	var rows []struct {
		Status string
		N      int
	}
	if err := db.Model(&JobModel{}).Select("status, count(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return store.Stats{}, err
	}
	for _, r := range rows {
		stats.JobStatus[r.Status] = r.N
	}
	return stats, nil
}

// Close 關閉底層連線
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
