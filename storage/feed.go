package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"copymesh/event"
	"copymesh/logger"
)

// FeedQuery 流日志查询参数
type FeedQuery struct {
	AccountID string
	Type      event.EntryType
	StartTime time.Time
	EndTime   time.Time
	Keyword   string
	Limit     int
	Offset    int
}

// Feed 流日志存储（追加写，SQLite）
type Feed struct {
	db          *sql.DB
	mu          sync.RWMutex
	closed      bool
	subscribers []chan *event.Entry // 实时推送
	subMu       sync.RWMutex
}

const maxSubscribers = 100

// NewFeed 创建流日志存储
func NewFeed(path string) (*Feed, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		// WAL 模式提高并发性能
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开流日志数据库失败: %w", err)
	}

	// SQLite 并发限制
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	f := &Feed{db: db}
	if err := f.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建流日志表失败: %w", err)
	}
	return f, nil
}

func (f *Feed) createTable() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS streaming_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		message TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		position_id TEXT NOT NULL DEFAULT '',
		signal_id TEXT NOT NULL DEFAULT '',
		success INTEGER,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_streaming_logs_timestamp ON streaming_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_streaming_logs_account ON streaming_logs(account_id, timestamp);
	`
	_, err := f.db.Exec(ddl)
	return err
}

// Save 写入一条流日志并推送给订阅者
func (f *Feed) Save(ctx context.Context, entry *event.Entry) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("流日志存储已关闭")
	}

	var success sql.NullBool
	if entry.Success != nil {
		success = sql.NullBool{Bool: *entry.Success, Valid: true}
	}
	result, err := f.db.ExecContext(ctx, `
		INSERT INTO streaming_logs (type, timestamp, message, account_id, position_id, signal_id, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(entry.Type), entry.Timestamp.UTC(), entry.Message, entry.AccountID, entry.PositionID, entry.SignalID, success, entry.Error)
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("写入流日志失败: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	f.notifySubscribers(entry)
	return nil
}

// Subscribe 订阅新条目；超过上限时最旧的订阅者被移除
func (f *Feed) Subscribe() chan *event.Entry {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	ch := make(chan *event.Entry, 100)
	f.subscribers = append(f.subscribers, ch)

	if len(f.subscribers) > maxSubscribers {
		oldest := f.subscribers[0]
		close(oldest)
		f.subscribers = f.subscribers[1:]
		logger.Warn("⚠️ 流日志订阅者数量超过限制 (%d)，已移除最旧的订阅者", maxSubscribers)
	}
	return ch
}

// Unsubscribe 取消订阅
func (f *Feed) Unsubscribe(ch chan *event.Entry) {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	for i, sub := range f.subscribers {
		if sub == ch {
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)
			close(ch)
			break
		}
	}
}

// notifySubscribers 订阅者通道满时跳过
func (f *Feed) notifySubscribers(entry *event.Entry) {
	f.subMu.RLock()
	defer f.subMu.RUnlock()

	for _, sub := range f.subscribers {
		select {
		case sub <- entry:
		default:
		}
	}
}

// Query 查询流日志，按时间倒序
func (f *Feed) Query(ctx context.Context, params FeedQuery) ([]*event.Entry, int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	where := []string{"1=1"}
	args := []interface{}{}

	if params.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, params.AccountID)
	}
	if params.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(params.Type))
	}
	if !params.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartTime.UTC())
	}
	if !params.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndTime.UTC())
	}
	if params.Keyword != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM streaming_logs WHERE %s", whereClause)
	if err := f.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询流日志总数失败: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	querySQL := fmt.Sprintf(`
		SELECT id, type, timestamp, message, account_id, position_id, signal_id, success, error
		FROM streaming_logs
		WHERE %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause)
	args = append(args, params.Limit, params.Offset)

	rows, err := f.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询流日志失败: %w", err)
	}
	defer rows.Close()

	entries := make([]*event.Entry, 0)
	for rows.Next() {
		var e event.Entry
		var typ string
		var success sql.NullBool
		if err := rows.Scan(&e.ID, &typ, &e.Timestamp, &e.Message, &e.AccountID, &e.PositionID, &e.SignalID, &success, &e.Error); err != nil {
			continue
		}
		e.Type = event.EntryType(typ)
		if success.Valid {
			e.WithSuccess(success.Bool)
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

// CleanOld 删除早于 before 的条目
func (f *Feed) CleanOld(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, err := f.db.ExecContext(ctx, `DELETE FROM streaming_logs WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close 关闭存储
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	f.subMu.Lock()
	for _, sub := range f.subscribers {
		close(sub)
	}
	f.subscribers = nil
	f.subMu.Unlock()

	return f.db.Close()
}
