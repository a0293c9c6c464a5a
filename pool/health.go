// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"sync"
	"time"

	"querygate/proxy/shared/logger"
)

// Prober pings every registered backend on an interval. A backend goes
// unhealthy after failThreshold consecutive failures and recovers on the
// first success, so one dropped probe never pulls a server out of rotation.
type Prober struct {
	registry *Registry
	log      *logger.Logger

	interval      time.Duration
	probeTimeout  time.Duration
	failThreshold int

	mu       sync.Mutex
	failures map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProberConfig tunes the prober. Zero values select defaults.
type ProberConfig struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// NewProber creates a prober for the registry.
func NewProber(registry *Registry, log *logger.Logger, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	return &Prober{
		registry:      registry,
		log:           log,
		interval:      cfg.Interval,
		probeTimeout:  cfg.ProbeTimeout,
		failThreshold: cfg.FailThreshold,
		failures:      make(map[string]int),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ProbeAll(context.Background())
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (p *Prober) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// ProbeAll pings every backend once and applies state transitions.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, b := range p.registry.All() {
		if b.Pool().Draining() {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		err := b.Ping(probeCtx)
		cancel()
		p.apply(b, err)
	}
}

func (p *Prober) apply(b *Backend, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alias := b.Alias()
	if err == nil {
		if p.failures[alias] >= p.failThreshold || !b.Healthy() {
			p.log.Info("", "", "Server recovered", map[string]interface{}{"server": alias})
		}
		p.failures[alias] = 0
		b.setHealthy(true)
		return
	}

	p.failures[alias]++
	if p.failures[alias] == p.failThreshold {
		b.setHealthy(false)
		p.log.Warn("", "", "Server marked unhealthy", map[string]interface{}{
			"server":   alias,
			"failures": p.failures[alias],
			"error":    err.Error(),
		})
	}
}
