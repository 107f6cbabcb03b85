package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStopTiersOrdersShutdown(t *testing.T) {
	var mu sync.Mutex
	var order []string

	mk := func(name string) *agent {
		return launch(name, func(ctx context.Context) {
			<-ctx.Done()
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	engines := []*agent{mk("control_engine"), mk("settings_engine")}
	pipeline := []*agent{mk("dispatch"), mk("sampler.lib")}
	emulators := []*agent{mk("emulator.lib")}

	stopTiers(zap.NewNop(), engines, pipeline, emulators)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	// Every engine is down before the pipeline, the pipeline before
	// the emulators.
	assert.Less(t, pos["control_engine"], pos["dispatch"])
	assert.Less(t, pos["settings_engine"], pos["dispatch"])
	assert.Less(t, pos["dispatch"], pos["emulator.lib"])
	assert.Less(t, pos["sampler.lib"], pos["emulator.lib"])
}

func TestLaunchCompletesWithoutCancel(t *testing.T) {
	ran := make(chan struct{})
	a := launch("oneshot", func(ctx context.Context) { close(ran) })
	<-ran
	<-a.done

	// A tier holding an already-finished agent does not block.
	stopTiers(zap.NewNop(), []*agent{a})
}
