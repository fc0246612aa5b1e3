package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSwapThenLoadReturnsSameValues(t *testing.T) {
	cfg := Default()
	cfg.UnchokeSlots = 7
	Swap(cfg)

	require.Equal(t, 7, Load().UnchokeSlots)
}

func TestUpdateMutatesACopy(t *testing.T) {
	Swap(Default())
	before := Load()

	Update(func(c *Config) { c.RegularUnchokeInterval = time.Minute })

	require.Equal(t, 10*time.Second, before.RegularUnchokeInterval, "prior snapshot must not mutate")
	require.Equal(t, time.Minute, Load().RegularUnchokeInterval)
}

func TestLoadBeforeInitFallsBackToDefault(t *testing.T) {
	// A fresh process that never called Init/Swap should still get a
	// usable config rather than a nil-pointer panic.
	var empty atomicValueConfig
	v := loadFrom(&empty)
	require.Equal(t, Default().UnchokeSlots, v.UnchokeSlots)
}

func TestConcurrentLoadDuringUpdate(t *testing.T) {
	Swap(Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Load().UnchokeSlots
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		Update(func(c *Config) { c.UnchokeSlots++ })
	}()
	wg.Wait()
}
