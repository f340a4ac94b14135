package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// RoomSnapshot 是某房间操作日志到 LastOpID 为止的物化状态。
// 只增不删：新快照取代旧快照，旧的留作审计，不做垃圾回收。
type RoomSnapshot struct {
	RoomID    string
	LastOpID  uint64
	State     []byte
	CreatedAt time.Time
}

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS room_snapshots (
			id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
			room_id VARCHAR(64) NOT NULL,
			last_op_id BIGINT UNSIGNED NOT NULL,
			state JSON,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY uniq_room_cursor (room_id, last_op_id)
		)`)
	if err != nil {
		return fmt.Errorf("%w: ensure snapshots schema: %v", ErrStorage, err)
	}
	return nil
}

func (s *SnapshotStore) SaveRoomSnapshot(ctx context.Context, roomID string, lastOpID uint64, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_snapshots (room_id, last_op_id, state)
		VALUES (?, ?, ?)`,
		roomID,
		lastOpID,
		state,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 同一游标的快照并发重建会撞唯一键，内容一样，直接当成功
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("%w: save snapshot: %v", ErrStorage, err)
	}
	return nil
}

// LatestRoomSnapshot 返回该房间游标最大的快照；没有快照时返回 nil。
func (s *SnapshotStore) LatestRoomSnapshot(ctx context.Context, roomID string) (*RoomSnapshot, error) {
	var snap RoomSnapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, last_op_id, state, created_at
		FROM room_snapshots WHERE room_id = ?
		ORDER BY last_op_id DESC LIMIT 1`,
		roomID,
	).Scan(&snap.RoomID, &snap.LastOpID, &snap.State, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: latest snapshot: %v", ErrStorage, err)
	}
	return &snap, nil
}
