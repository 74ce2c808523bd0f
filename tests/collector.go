package tests

import (
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// envCollector records every envelope handed to it, for scenarios that
// assert on event counts/shapes the Scheduler itself doesn't surface
// (initialized, failure, reservation ending soon/end).
type envCollector struct {
	mu   sync.Mutex
	envs []model.Envelope
}

func newEnvCollector() *envCollector {
	return &envCollector{}
}

func (c *envCollector) handle(env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *envCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *envCollector) snapshot() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Envelope(nil), c.envs...)
}
