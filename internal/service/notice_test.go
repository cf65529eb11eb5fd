package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoticeExpires(t *testing.T) {
	b := NewNoticeBoard(nil)
	b.Post(NoticeSuccess, "done", 10*time.Millisecond)

	n, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "done", n.Message)
	assert.False(t, n.ExpiresAt.IsZero())

	require.Eventually(t, func() bool {
		_, ok := b.Current()
		return !ok
	}, time.Second, time.Millisecond)
}

func TestNoticeReplacementCancelsEarlierTimer(t *testing.T) {
	b := NewNoticeBoard(nil)
	b.Post(NoticeSuccess, "first", 5*time.Millisecond)
	b.Post(NoticePending, "second", 0)

	time.Sleep(30 * time.Millisecond)
	n, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, "second", n.Message)
}

func TestNoticeCancelKeepsNotice(t *testing.T) {
	b := NewNoticeBoard(nil)
	cancel := b.Post(NoticeError, "boom", 5*time.Millisecond)
	cancel()

	time.Sleep(30 * time.Millisecond)
	n, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, NoticeError, n.Level)
	assert.True(t, n.ExpiresAt.IsZero())
}

func TestNoticeDismissNotifies(t *testing.T) {
	var mu sync.Mutex
	var seen []*Notice
	b := NewNoticeBoard(func(n *Notice) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})

	b.Post(NoticePending, "working", 0)
	b.Dismiss()
	b.Dismiss()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "working", seen[0].Message)
	assert.Nil(t, seen[1])
}
