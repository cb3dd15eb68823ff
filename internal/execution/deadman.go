package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var deadmanLog = logrus.WithField("module", "deadman")

// DeadmanScheduler 为在场挂单设置交易所侧的计划撤单
// 进程崩溃或断网时，交易所会在 delay 后自动撤掉全部挂单，避免裸露挂单。
// 计划撤单是账户级的 cancel-all：maker 平仓腿在场等待期间必须抑制它，
// 否则开仓路径刷新 deadman 会把还没成交的平仓腿一并撤掉
type DeadmanScheduler struct {
	transport Transport
	delay     time.Duration

	mu        sync.Mutex
	suppressN int
}

// NewDeadmanScheduler 创建 deadman 调度器
func NewDeadmanScheduler(transport Transport, delay time.Duration) *DeadmanScheduler {
	return &DeadmanScheduler{transport: transport, delay: delay}
}

// Delay 计划撤单延迟，同时是 maker 开仓腿允许在场的时间窗口
func (d *DeadmanScheduler) Delay() time.Duration {
	return d.delay
}

// Suppress 暂停 deadman（平仓腿在场期间调用），与 Resume 成对
func (d *DeadmanScheduler) Suppress() {
	d.mu.Lock()
	d.suppressN++
	d.mu.Unlock()
}

// Resume 恢复 deadman
func (d *DeadmanScheduler) Resume() {
	d.mu.Lock()
	if d.suppressN > 0 {
		d.suppressN--
	}
	d.mu.Unlock()
}

// suppressed 当前是否有平仓腿在场
func (d *DeadmanScheduler) suppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressN > 0
}

// Arm 重置计划撤单时刻为 now+delay；返回是否实际设置了计划
// 交易所对该端点有最低成交量门槛，未达标的拒绝不是结构性错误，只记日志
func (d *DeadmanScheduler) Arm(ctx context.Context) (bool, error) {
	if d.suppressed() {
		deadmanLog.Debug("deadman 被平仓腿抑制，跳过设置")
		return false, nil
	}
	at := time.Now().Add(d.delay)
	if err := d.transport.ScheduleCancelAll(ctx, at); err != nil {
		if isTolerableScheduleErr(err) {
			deadmanLog.Warnf("⚠️ deadman 设置被拒（可容忍）: %v", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Disarm 取消计划撤单（挂单全部离场或优雅停机时调用）
func (d *DeadmanScheduler) Disarm(ctx context.Context) {
	if err := d.transport.ScheduleCancelAll(ctx, time.Time{}); err != nil {
		deadmanLog.Warnf("⚠️ 取消 deadman 失败: %v", err)
	}
}

// isTolerableScheduleErr 判断 scheduleCancel 拒绝是否可容忍
func isTolerableScheduleErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "volume traded") ||
		strings.Contains(msg, "insufficient volume") ||
		strings.Contains(msg, "too soon")
}
