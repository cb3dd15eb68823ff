// Package runtimecfg 运行期可调参数的持久化存储（Badger KV）
// 控制面改的参数在进程重启后仍然生效，且不需要回写 YAML 配置文件
package runtimecfg

import (
	"encoding/json"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/domain"
)

var log = logrus.WithField("module", "runtimecfg")

const (
	keyParams    = "runtime:params"
	keyState     = "runtime:trading_state"
	keyLastEdges = "runtime:last_edges"
)

// TradingState 交易开关
type TradingState string

const (
	StateRunning TradingState = "running"
	StateStopped TradingState = "stopped"
)

// Params 运行期可调的策略参数
type Params struct {
	ThresholdBps  float64 `json:"threshold_bps"`
	SpikeExtraBps float64 `json:"spike_extra_bps"`
	AllocUSD      float64 `json:"alloc_usd"`
	DryRun        bool    `json:"dry_run"`
}

// Store badger 封装
type Store struct {
	db *badger.DB
}

// Open 打开运行时参数库
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("runtimecfg: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "打开运行时参数库失败")
	}
	return &Store{db: db}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Params 读取参数；不存在时返回给定默认值
func (s *Store) Params(defaults Params) (Params, error) {
	out := defaults
	found, err := s.getJSON(keyParams, &out)
	if err != nil {
		return defaults, err
	}
	if !found {
		return defaults, nil
	}
	return out, nil
}

// SetParams 保存参数
func (s *Store) SetParams(p Params) error {
	if err := s.setJSON(keyParams, p); err != nil {
		return err
	}
	log.Infof("✅ 运行参数已更新: threshold=%.2f spike=%.2f alloc=%.2f dryRun=%v",
		p.ThresholdBps, p.SpikeExtraBps, p.AllocUSD, p.DryRun)
	return nil
}

// State 读取交易开关，默认 running
func (s *Store) State() (TradingState, error) {
	var raw string
	found, err := s.getString(keyState, &raw)
	if err != nil {
		return StateRunning, err
	}
	if !found {
		return StateRunning, nil
	}
	switch TradingState(raw) {
	case StateStopped:
		return StateStopped, nil
	default:
		return StateRunning, nil
	}
}

// SetState 设置交易开关
func (s *Store) SetState(state TradingState) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyState), []byte(state))
	}); err != nil {
		return errors.Wrap(err, "写入交易状态失败")
	}
	log.Infof("🔄 交易状态: %s", state)
	return nil
}

// EdgeSnapshot 最近一次边际观测（控制面展示用）
type EdgeSnapshot struct {
	Edges domain.Edges `json:"edges"`
	Ts    time.Time    `json:"ts"`
}

// SetLastEdges 保存最近一次边际观测
func (s *Store) SetLastEdges(snap EdgeSnapshot) error {
	return s.setJSON(keyLastEdges, snap)
}

// LastEdges 读取最近一次边际观测
func (s *Store) LastEdges() (EdgeSnapshot, bool, error) {
	var snap EdgeSnapshot
	found, err := s.getJSON(keyLastEdges, &snap)
	return snap, found, err
}

func (s *Store) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "序列化失败")
	}
	return errors.Wrap(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}), "写入失败")
}

func (s *Store) getJSON(key string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "读取失败")
	}
	return true, errors.Wrap(json.Unmarshal(data, v), "反序列化失败")
}

func (s *Store) getString(key string, out *string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			*out = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "读取失败")
	}
	return true, nil
}
