// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"grimm.is/breakwater/internal/logging"
)

type fakeBlockMap struct {
	mu      sync.Mutex
	entries map[uint32]time.Time
	closed  bool
}

func newFakeBlockMap() *fakeBlockMap {
	return &fakeBlockMap{entries: make(map[uint32]time.Time)}
}

func (f *fakeBlockMap) put(ip uint32, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[ip] = expiry
	return nil
}

func (f *fakeBlockMap) del(ip uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, ip)
	return nil
}

func (f *fakeBlockMap) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBlockMap) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestMirror(queue int) (*Mirror, *fakeBlockMap) {
	fake := newFakeBlockMap()
	m := &Mirror{
		cfg:     Config{Enabled: true, QueueSize: queue},
		logger:  logging.New(logging.DefaultConfig()).WithComponent("offload"),
		updates: make(chan update, queue),
		blocks:  fake,
	}
	return m, fake
}

func TestMirror_NilIsSafe(t *testing.T) {
	var m *Mirror
	m.OfferBlock(1, time.Time{})
	m.OfferUnblock(1)
	m.Run(context.Background())
	assert.Equal(t, uint64(0), m.Dropped())
	assert.Equal(t, uint64(0), m.Applied())
}

func TestNew_DisabledReturnsNil(t *testing.T) {
	m, err := New(Config{Enabled: false}, logging.New(logging.DefaultConfig()))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMirror_AppliesUpdates(t *testing.T) {
	m, fake := newTestMirror(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.OfferBlock(1, time.Now().Add(time.Minute))
	m.OfferBlock(2, time.Time{})
	m.OfferUnblock(1)

	require.Eventually(t, func() bool {
		return m.Applied() == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, fake.len())

	cancel()
	<-done
	assert.True(t, fake.closed)
}

func TestMirror_FullQueueDropsNotBlocks(t *testing.T) {
	m, _ := newTestMirror(2)
	// No drain goroutine: the third offer must drop, not block.
	m.OfferBlock(1, time.Time{})
	m.OfferBlock(2, time.Time{})
	m.OfferBlock(3, time.Time{})

	assert.Equal(t, uint64(1), m.Dropped())
}
