package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	k := NewKeyed(time.Second)

	release, err := k.Acquire(context.Background(), "job:1")
	require.NoError(t, err)
	release()

	release, err = k.Acquire(context.Background(), "job:1")
	require.NoError(t, err)
	release()
}

func TestAcquireBusy(t *testing.T) {
	k := NewKeyed(50 * time.Millisecond)

	release, err := k.Acquire(context.Background(), "neg:7")
	require.NoError(t, err)
	defer release()

	_, err = k.Acquire(context.Background(), "neg:7")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	k := NewKeyed(50 * time.Millisecond)

	r1, err := k.Acquire(context.Background(), "neg:1")
	require.NoError(t, err)
	defer r1()

	r2, err := k.Acquire(context.Background(), "neg:2")
	require.NoError(t, err)
	r2()
}

func TestSerializesConcurrentHolders(t *testing.T) {
	k := NewKeyed(5 * time.Second)

	var inSection int
	var maxInSection int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "shared")
			if err != nil {
				return
			}
			mu.Lock()
			inSection++
			if inSection > maxInSection {
				maxInSection = inSection
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inSection--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInSection)
}
