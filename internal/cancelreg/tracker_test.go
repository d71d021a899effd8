package cancelreg_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub012/internal/cancelreg"
)

func TestRequestCancelIsIdempotent(t *testing.T) {
	tracker := cancelreg.NewTracker()
	tracker.RequestCancel("txn-1", "!room:example.org")
	tracker.RequestCancel("txn-1", "!room:example.org")
	require.Equal(t, 1, tracker.Pending())
	require.True(t, tracker.IsCancelRequested("txn-1", "!room:example.org"))
}

func TestMarkHonoredRemovesOnlyMatchingPair(t *testing.T) {
	tracker := cancelreg.NewTracker()
	tracker.RequestCancel("txn-1", "!a:example.org")
	tracker.RequestCancel("txn-1", "!b:example.org")
	tracker.RequestCancel("txn-2", "!a:example.org")

	tracker.MarkHonored("txn-1", "!a:example.org")
	require.False(t, tracker.IsCancelRequested("txn-1", "!a:example.org"))
	require.True(t, tracker.IsCancelRequested("txn-1", "!b:example.org"))
	require.True(t, tracker.IsCancelRequested("txn-2", "!a:example.org"))
	require.Equal(t, 2, tracker.Pending())
}

func TestMarkHonoredOnMissingPairIsNoop(t *testing.T) {
	tracker := cancelreg.NewTracker()
	tracker.MarkHonored("txn-404", "!room:example.org")
	require.Equal(t, 0, tracker.Pending())
}

func TestConcurrentAccess(t *testing.T) {
	tracker := cancelreg.NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.RequestCancel("txn-shared", "!room:example.org")
			tracker.IsCancelRequested("txn-shared", "!room:example.org")
			tracker.MarkHonored("txn-shared", "!room:example.org")
		}()
	}
	wg.Wait()
	require.False(t, tracker.IsCancelRequested("txn-other", "!room:example.org"))
}
