package main

import (
	"context"

	"go.uber.org/zap"
)

// agent is one supervised goroutine with its own cancel, so shutdown
// can stop tiers in dependency order instead of all at once.
type agent struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// launch runs fn on its own context and reports completion through
// the done channel.
func launch(name string, fn func(context.Context)) *agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &agent{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		fn(ctx)
	}()
	return a
}

// stopTiers cancels one tier at a time, waiting for every agent in
// the tier to return before the next tier starts stopping. One line
// per agent.
func stopTiers(log *zap.Logger, tiers ...[]*agent) {
	for _, tier := range tiers {
		for _, a := range tier {
			a.cancel()
		}
		for _, a := range tier {
			<-a.done
			log.Info("agent stopped", zap.String("agent", a.name))
		}
	}
}
