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

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"querygate/proxy/shared/logger"
)

// HostMetrics reports local resource pressure. Scale-ups are suppressed
// when the host itself is saturated, since more connections would only add
// load the process cannot serve.
type HostMetrics interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
}

// SystemMetrics reads host metrics via gopsutil.
type SystemMetrics struct{}

// CPUPercent returns instantaneous total CPU utilisation.
func (SystemMetrics) CPUPercent(ctx context.Context) (float64, error) {
	vals, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}

// MemoryPercent returns used physical memory percentage.
func (SystemMetrics) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// ScalingPolicy bounds what the autoscaler may do to a pool.
type ScalingPolicy struct {
	MinConns        int           `yaml:"min_connections"`
	MaxConns        int           `yaml:"max_connections"`
	ScaleUpAt       float64       `yaml:"scale_up_at"`   // pool utilisation fraction
	ScaleDownAt     float64       `yaml:"scale_down_at"` // pool utilisation fraction
	Step            int           `yaml:"step"`
	Cooldown        time.Duration `yaml:"cooldown"`
	HostCPUGuard    float64       `yaml:"host_cpu_guard"`    // percent
	HostMemoryGuard float64       `yaml:"host_memory_guard"` // percent
}

func (p *ScalingPolicy) applyDefaults() {
	if p.MinConns <= 0 {
		p.MinConns = 5
	}
	if p.MaxConns <= 0 {
		p.MaxConns = 100
	}
	if p.ScaleUpAt <= 0 {
		p.ScaleUpAt = 0.8
	}
	if p.ScaleDownAt <= 0 {
		p.ScaleDownAt = 0.3
	}
	if p.Step <= 0 {
		p.Step = 5
	}
	if p.Cooldown <= 0 {
		p.Cooldown = time.Minute
	}
	if p.HostCPUGuard <= 0 {
		p.HostCPUGuard = 85
	}
	if p.HostMemoryGuard <= 0 {
		p.HostMemoryGuard = 90
	}
}

// ScalingEvent records one resize decision for the stats endpoint.
type ScalingEvent struct {
	Time      time.Time `json:"time"`
	Server    string    `json:"server"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Direction string    `json:"direction"`
	Reason    string    `json:"reason"`
}

const scalingEventHistory = 128

// Autoscaler periodically adjusts pool ceilings between the policy bounds.
// Pools under pressure (high utilisation or queued waiters) grow by one
// step; quiet pools shrink. Each pool has an independent cooldown so a
// resize settles before the next decision.
type Autoscaler struct {
	registry *Registry
	metrics  HostMetrics
	policy   ScalingPolicy
	interval time.Duration
	log      *logger.Logger

	mu         sync.Mutex
	lastScaled map[string]time.Time
	events     []ScalingEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAutoscaler creates an autoscaler. metrics may be nil to default to
// gopsutil readings.
func NewAutoscaler(registry *Registry, log *logger.Logger, policy ScalingPolicy, interval time.Duration, metrics HostMetrics) *Autoscaler {
	policy.applyDefaults()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if metrics == nil {
		metrics = SystemMetrics{}
	}
	return &Autoscaler{
		registry:   registry,
		metrics:    metrics,
		policy:     policy,
		interval:   interval,
		log:        log,
		lastScaled: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (a *Autoscaler) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.Evaluate(context.Background())
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop halts the evaluation loop.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Evaluate applies one scaling pass over all backends.
func (a *Autoscaler) Evaluate(ctx context.Context) {
	cpuPct, err := a.metrics.CPUPercent(ctx)
	if err != nil {
		a.log.Warn("", "", "CPU metric unavailable, skipping scale-up checks", map[string]interface{}{"error": err.Error()})
		cpuPct = a.policy.HostCPUGuard
	}
	memPct, err := a.metrics.MemoryPercent(ctx)
	if err != nil {
		a.log.Warn("", "", "Memory metric unavailable, skipping scale-up checks", map[string]interface{}{"error": err.Error()})
		memPct = a.policy.HostMemoryGuard
	}
	hostSaturated := cpuPct >= a.policy.HostCPUGuard || memPct >= a.policy.HostMemoryGuard

	for _, b := range a.registry.All() {
		if !b.Active() || b.Pool().Draining() {
			continue
		}
		a.evaluatePool(b, hostSaturated)
	}
}

func (a *Autoscaler) evaluatePool(b *Backend, hostSaturated bool) {
	stats := b.Pool().Stats()
	util := float64(stats.InUse) / float64(stats.Max)

	a.mu.Lock()
	coolingDown := time.Since(a.lastScaled[b.Alias()]) < a.policy.Cooldown
	a.mu.Unlock()
	if coolingDown {
		return
	}

	switch {
	case (util >= a.policy.ScaleUpAt || stats.Waiting > 0) && stats.Max < a.policy.MaxConns:
		if hostSaturated {
			a.log.Warn("", "", "Scale-up suppressed, host saturated", map[string]interface{}{"server": b.Alias()})
			return
		}
		target := stats.Max + a.policy.Step
		if target > a.policy.MaxConns {
			target = a.policy.MaxConns
		}
		a.resize(b, stats.Max, target, "up", "pool pressure")

	case util <= a.policy.ScaleDownAt && stats.Waiting == 0 && stats.Max > a.policy.MinConns:
		target := stats.Max - a.policy.Step
		if target < a.policy.MinConns {
			target = a.policy.MinConns
		}
		// Never shrink below what is currently leased.
		if target < stats.InUse {
			target = stats.InUse
		}
		if target >= stats.Max {
			return
		}
		a.resize(b, stats.Max, target, "down", "low utilisation")
	}
}

func (a *Autoscaler) resize(b *Backend, from, to int, direction, reason string) {
	if err := b.Pool().Resize(to); err != nil {
		a.log.ErrorWithErr("", "", "Autoscale resize failed", err, map[string]interface{}{"server": b.Alias()})
		return
	}

	ev := ScalingEvent{
		Time:      time.Now().UTC(),
		Server:    b.Alias(),
		From:      from,
		To:        to,
		Direction: direction,
		Reason:    reason,
	}

	a.mu.Lock()
	a.lastScaled[b.Alias()] = ev.Time
	a.events = append(a.events, ev)
	if len(a.events) > scalingEventHistory {
		a.events = a.events[len(a.events)-scalingEventHistory:]
	}
	a.mu.Unlock()
}

// Events returns the recent scaling decisions, oldest first.
func (a *Autoscaler) Events() []ScalingEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScalingEvent, len(a.events))
	copy(out, a.events)
	return out
}
