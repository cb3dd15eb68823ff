package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scheduleErrTransport 让 ScheduleCancelAll 返回预置错误
type scheduleErrTransport struct {
	mockTransport
	scheduleErr error
}

func (s *scheduleErrTransport) ScheduleCancelAll(ctx context.Context, at time.Time) error {
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	return s.mockTransport.ScheduleCancelAll(ctx, at)
}

func TestDeadman_ArmSchedulesFuture(t *testing.T) {
	mt := &mockTransport{}
	d := NewDeadmanScheduler(mt, 5*time.Second)

	armed, err := d.Arm(context.Background())
	require.NoError(t, err)
	assert.True(t, armed)
	require.Len(t, mt.schedules, 1)
	assert.True(t, mt.schedules[0].After(time.Now()))
}

func TestDeadman_SuppressedSkipsSchedule(t *testing.T) {
	mt := &mockTransport{}
	d := NewDeadmanScheduler(mt, 5*time.Second)

	// 平仓腿在场期间抑制，开仓路径刷新 deadman 不会发出 cancel-all
	d.Suppress()
	armed, err := d.Arm(context.Background())
	require.NoError(t, err)
	assert.False(t, armed)
	assert.Empty(t, mt.schedules)

	d.Resume()
	armed, err = d.Arm(context.Background())
	require.NoError(t, err)
	assert.True(t, armed)
	require.Len(t, mt.schedules, 1)
}

func TestDeadman_TolerableRejection(t *testing.T) {
	st := &scheduleErrTransport{scheduleErr: errors.New("Cannot set scheduled cancel time until enough volume traded")}
	d := NewDeadmanScheduler(st, 5*time.Second)

	// 成交量门槛类拒绝不是结构性错误
	armed, err := d.Arm(context.Background())
	require.NoError(t, err)
	assert.False(t, armed)
}

func TestDeadman_StructuralError(t *testing.T) {
	st := &scheduleErrTransport{scheduleErr: errors.New("signature verification failed")}
	d := NewDeadmanScheduler(st, 5*time.Second)

	armed, err := d.Arm(context.Background())
	require.Error(t, err)
	assert.False(t, armed)
}
