package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryCache_SetGet(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)

	c.Set("a", 1, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestSnapshot_CachesWithinTTL(t *testing.T) {
	var calls int32
	s := NewSnapshot(time.Second, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})

	for i := 0; i < 5; i++ {
		v, err := s.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSnapshot_SingleFlight(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	s := NewSnapshot(time.Second, func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return 7, nil
	})

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Get(context.Background())
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	// 并发访问只应触发一次加载
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, 7, v)
	}
}

func TestSnapshot_Invalidate(t *testing.T) {
	var calls int32
	s := NewSnapshot(time.Hour, func(ctx context.Context) (int, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	})

	v, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	s.Invalidate()

	v, err = s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
