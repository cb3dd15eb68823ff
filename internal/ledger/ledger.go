// Package ledger 交易账本：sqlite 落盘边际、下单与仓位记录
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/arbbot/goarb/internal/domain"
)

var log = logrus.WithField("module", "ledger")

// Ledger sqlite 账本
// modernc 驱动是纯 Go 实现，写入需要串行化，连接数固定为 1
type Ledger struct {
	db *sql.DB
}

// Open 打开（或创建）账本数据库
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "创建数据目录失败")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开 sqlite 失败")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "执行 %s 失败", pragma)
		}
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("✅ 账本已打开: %s", path)
	return l, nil
}

// Close 关闭数据库
func (l *Ledger) Close() error {
	return l.db.Close()
}

// migrate 建表（幂等）
func (l *Ledger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			perp_bid REAL NOT NULL,
			perp_ask REAL NOT NULL,
			spot_bid REAL NOT NULL,
			spot_ask REAL NOT NULL,
			perp_to_spot_bps REAL NOT NULL,
			spot_to_perp_bps REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_ts ON edges(ts)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			direction TEXT NOT NULL,
			size REAL NOT NULL,
			perp_px REAL NOT NULL,
			spot_px REAL NOT NULL,
			edge_bps REAL NOT NULL,
			spike INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			legs_json TEXT,
			error TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			direction TEXT NOT NULL,
			size REAL NOT NULL,
			entry_perp_px REAL NOT NULL,
			entry_spot_px REAL NOT NULL,
			entry_fee_usd REAL NOT NULL,
			opened_at TEXT NOT NULL,
			status TEXT NOT NULL,
			closed_at TEXT,
			exit_perp_px REAL,
			exit_spot_px REAL,
			exit_fee_usd REAL,
			close_method TEXT,
			close_reason TEXT,
			realized_pnl REAL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "建表失败")
		}
	}
	return nil
}

// RecordTrade 写入一笔下单记录
func (l *Ledger) RecordTrade(ctx context.Context, rec *domain.TradeRecord) error {
	legsJSON, err := json.Marshal(rec.Legs)
	if err != nil {
		return errors.Wrap(err, "序列化成交腿失败")
	}

	spike := 0
	if rec.Intent.Spike {
		spike = 1
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO trades (id, direction, size, perp_px, spot_px, edge_bps, spike, status, legs_json, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Intent.Direction), rec.Intent.Size,
		rec.Intent.PerpPx, rec.Intent.SpotPx, rec.Intent.EdgeBps,
		spike, string(rec.Status), string(legsJSON), rec.Error,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "写入下单记录失败")
}

// SavePosition 写入新开仓位
func (l *Ledger) SavePosition(ctx context.Context, pos *domain.Position) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO positions (id, direction, size, entry_perp_px, entry_spot_px, entry_fee_usd, opened_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, string(pos.Direction), pos.Size,
		pos.EntryPerpPx, pos.EntrySpotPx, pos.EntryFeeUSD,
		pos.OpenedAt.UTC().Format(time.RFC3339Nano), string(pos.Status),
	)
	return errors.Wrap(err, "写入仓位失败")
}

// MarkPositionClosed 更新仓位的平仓结果
func (l *Ledger) MarkPositionClosed(ctx context.Context, pos *domain.Position) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE positions SET status=?, closed_at=?, exit_perp_px=?, exit_spot_px=?, exit_fee_usd=?, close_method=?, close_reason=?, realized_pnl=?
		 WHERE id=?`,
		string(pos.Status), pos.ClosedAt.UTC().Format(time.RFC3339Nano),
		pos.ExitPerpPx, pos.ExitSpotPx, pos.ExitFeeUSD,
		string(pos.CloseMethod), pos.CloseReason, pos.RealizedPnL,
		pos.ID,
	)
	return errors.Wrap(err, "更新仓位失败")
}

// TradeRow 控制面展示用的下单记录
type TradeRow struct {
	ID        string  `json:"id"`
	Direction string  `json:"direction"`
	Size      float64 `json:"size"`
	PerpPx    float64 `json:"perp_px"`
	SpotPx    float64 `json:"spot_px"`
	EdgeBps   float64 `json:"edge_bps"`
	Spike     bool    `json:"spike"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// RecentTrades 按时间倒序返回最近的下单记录
func (l *Ledger) RecentTrades(ctx context.Context, limit int) ([]TradeRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, direction, size, perp_px, spot_px, edge_bps, spike, status, COALESCE(error, ''), created_at
		 FROM trades ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "查询下单记录失败")
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		var spike int
		if err := rows.Scan(&r.ID, &r.Direction, &r.Size, &r.PerpPx, &r.SpotPx, &r.EdgeBps, &spike, &r.Status, &r.Error, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "扫描下单记录失败")
		}
		r.Spike = spike != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// PositionRow 控制面展示用的仓位记录
type PositionRow struct {
	ID          string  `json:"id"`
	Direction   string  `json:"direction"`
	Size        float64 `json:"size"`
	EntryPerpPx float64 `json:"entry_perp_px"`
	EntrySpotPx float64 `json:"entry_spot_px"`
	OpenedAt    string  `json:"opened_at"`
	Status      string  `json:"status"`
	ClosedAt    string  `json:"closed_at,omitempty"`
	CloseMethod string  `json:"close_method,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// RecentPositions 按开仓时间倒序返回最近的仓位
func (l *Ledger) RecentPositions(ctx context.Context, limit int) ([]PositionRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, direction, size, entry_perp_px, entry_spot_px, opened_at, status,
		        COALESCE(closed_at, ''), COALESCE(close_method, ''), COALESCE(close_reason, ''), COALESCE(realized_pnl, 0)
		 FROM positions ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "查询仓位失败")
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(&r.ID, &r.Direction, &r.Size, &r.EntryPerpPx, &r.EntrySpotPx, &r.OpenedAt, &r.Status,
			&r.ClosedAt, &r.CloseMethod, &r.CloseReason, &r.RealizedPnL); err != nil {
			return nil, errors.Wrap(err, "扫描仓位失败")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RealizedPnLTotal 已平仓位的累计盈亏
func (l *Ledger) RealizedPnLTotal(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(realized_pnl) FROM positions WHERE status = ?`, string(domain.PositionClosed)).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "统计盈亏失败")
	}
	return total.Float64, nil
}
