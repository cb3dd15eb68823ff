package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindow_LimitPerMinute(t *testing.T) {
	sw := NewSlidingWindow(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !sw.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	// 第 4 笔必须被拒绝
	if sw.Allow() {
		t.Fatal("4th request within window should be rejected")
	}
	if got := sw.GetRemaining(); got != 0 {
		t.Fatalf("remaining got=%d want=0", got)
	}
}

func TestSlidingWindow_RejectionDoesNotConsume(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)

	if !sw.Allow() {
		t.Fatal("first request should be allowed")
	}
	// 被拒绝的请求不应计入窗口
	for i := 0; i < 5; i++ {
		if sw.Allow() {
			t.Fatal("request over limit should be rejected")
		}
	}
	if got := len(sw.requests); got != 1 {
		t.Fatalf("recorded requests got=%d want=1", got)
	}
}

func TestSlidingWindow_AllowsAfterWindowSlides(t *testing.T) {
	sw := NewSlidingWindow(3, time.Minute)

	// 直接回填时间戳，模拟 61 秒前发生的 3 笔请求
	past := time.Now().Add(-61 * time.Second)
	sw.requests = []time.Time{past, past, past}

	if !sw.Allow() {
		t.Fatal("request should be allowed after old entries slide out")
	}
	if got := len(sw.requests); got != 1 {
		t.Fatalf("window should only contain the new request, got=%d", got)
	}
}

func TestSlidingWindow_PartialSlide(t *testing.T) {
	sw := NewSlidingWindow(2, time.Minute)

	// 一笔已滑出窗口，一笔仍在窗口内
	sw.requests = []time.Time{
		time.Now().Add(-90 * time.Second),
		time.Now().Add(-10 * time.Second),
	}

	if !sw.Allow() {
		t.Fatal("one slot should be free after the oldest entry slides out")
	}
	if sw.Allow() {
		t.Fatal("window should be full again")
	}
}

func TestTokenBucket_Exhaustion(t *testing.T) {
	tb := NewTokenBucket(2, 0, time.Second)

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("bucket should start full")
	}
	if tb.Allow() {
		t.Fatal("bucket should be exhausted")
	}
	if got := tb.GetRemaining(); got != 0 {
		t.Fatalf("remaining got=%d want=0", got)
	}
}

func TestRateLimitManager_KnownEndpoint(t *testing.T) {
	m := NewRateLimitManager()

	l := m.GetLimiter("exchange:order:post")
	if l == nil {
		t.Fatal("expected limiter for exchange:order:post")
	}
	if !m.Allow("exchange:order:post") {
		t.Fatal("fresh limiter should allow")
	}
}
