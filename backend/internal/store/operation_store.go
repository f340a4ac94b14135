package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"syncServer/backend/internal/op"
)

// 存储不可用时统一用这个哨兵错误向上冒泡；
// 调用方（conn 层 / compactor）把它限定在单次提交或单次压缩内处理，不得波及进程
var ErrStorage = errors.New("STORAGE_ERROR")

// OperationStore 是追加式操作日志。
// 只有 insert：操作一经写入不可变更，自增主键即房间内的全序。
type OperationStore struct{ db *gorm.DB }

func NewOperationStore(db *gorm.DB) (*OperationStore, error) {
	if err := db.AutoMigrate(&op.Operation{}); err != nil {
		return nil, fmt.Errorf("%w: migrate operations: %v", ErrStorage, err)
	}
	return &OperationStore{db: db}, nil
}

// Append 持久化一条操作并返回存储分配的序号。
func (s *OperationStore) Append(ctx context.Context, o *op.Operation) (uint64, error) {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return 0, fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return o.ID, nil
}

// ReadSince 按插入顺序返回 afterID 之后的操作。
// limit <= 0 表示不限制。游标相同则结果相同（操作不可变，顺序不重排）。
func (s *OperationStore) ReadSince(ctx context.Context, roomID string, afterID uint64, limit int) ([]op.Operation, error) {
	q := s.db.WithContext(ctx).
		Where("room_id = ? AND id > ?", roomID, afterID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ops []op.Operation
	if err := q.Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("%w: read since: %v", ErrStorage, err)
	}
	return ops, nil
}
