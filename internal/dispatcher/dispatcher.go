// Copyright 2025 Tom Barlow
//
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

// Package dispatcher bounds the number of concurrently running loops and
// decides which Pending loop starts next. It holds no lifecycle logic of
// its own; every transition goes through internal/manager.
package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loopr/loopr/internal/loggingx"
	"github.com/loopr/loopr/internal/model"
	"github.com/loopr/loopr/internal/store"
)

// Manager is the subset of *manager.Manager the dispatcher depends on.
// Narrowed to an interface so tests can substitute a fake lifecycle
// authority without spinning up a real engine.
type Manager interface {
	List(filters []store.Filter) ([]model.Loop, error)
	Get(id string) (model.Loop, bool, error)
	ActiveCount() int
	Start(id string) error
	FailSpawn(id string, cause error) error
	WakeUp() <-chan struct{}
}

// cronSchedule parses "@every" style descriptors alongside standard cron
// expressions for the fallback poll's self-rescheduling timer.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Dispatcher bounds concurrent Running loops against max_concurrent_loops
// and scans Pending loops in priority order whenever work may have become
// eligible.
type Dispatcher struct {
	mgr        Manager
	ceiling    int
	pollPeriod time.Duration
	logger     *slog.Logger
}

// New constructs a Dispatcher. ceiling defaults to 50 and pollPeriod to 60s
// if non-positive, matching config.Defaults.
func New(mgr Manager, ceiling int, pollPeriod time.Duration, logger *slog.Logger) *Dispatcher {
	if ceiling <= 0 {
		ceiling = 50
	}
	if pollPeriod <= 0 {
		pollPeriod = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mgr:        mgr,
		ceiling:    ceiling,
		pollPeriod: pollPeriod,
		logger:     loggingx.WithComponent(logger, "dispatcher"),
	}
}

// Run scans once immediately, then reacts to the manager's wake-up channel
// and a self-rescheduling fallback timer until ctx is cancelled. It blocks
// until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.scan()

	sched, err := cronParser.Parse(every(d.pollPeriod))
	if err != nil {
		// Malformed descriptor cannot happen for a duration we formatted
		// ourselves; fall back to a plain ticker rather than never polling.
		d.runWithTicker(ctx)
		return
	}

	timer := time.NewTimer(time.Until(sched.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.mgr.WakeUp():
			d.scan()
		case <-timer.C:
			d.scan()
			timer.Reset(time.Until(sched.Next(time.Now())))
		}
	}
}

func (d *Dispatcher) runWithTicker(ctx context.Context) {
	ticker := time.NewTicker(d.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.mgr.WakeUp():
			d.scan()
		case <-ticker.C:
			d.scan()
		}
	}
}

func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

// scan starts as many Pending loops as the ceiling allows, stopping as soon
// as there is no eligible candidate or the ceiling is reached. Each start
// re-lists Pending loops since a prior start in this pass may have changed
// priority ordering for loops sharing a parent.
func (d *Dispatcher) scan() {
	for d.mgr.ActiveCount() < d.ceiling {
		started, err := d.startNext()
		if err != nil {
			d.logger.Error("scan failed to list pending loops", slog.String("error", err.Error()))
			return
		}
		if !started {
			return
		}
	}
}

// startNext starts the highest priority Pending loop, if any. It reports
// whether it made progress (started a loop or failed one's spawn) so scan
// knows whether to keep iterating.
func (d *Dispatcher) startNext() (bool, error) {
	pending, err := d.mgr.List([]store.Filter{
		{Field: "status", Op: store.OpEq, Value: store.StringValue(string(model.LoopStatusPending))},
	})
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	candidates := make([]candidate, 0, len(pending))
	for _, loop := range pending {
		candidates = append(candidates, candidate{loop: loop, tier: d.tier(loop)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier < candidates[j].tier
		}
		return candidates[i].loop.CreatedAt < candidates[j].loop.CreatedAt
	})

	chosen := candidates[0].loop
	if err := d.mgr.Start(chosen.ID); err != nil {
		if ferr := d.mgr.FailSpawn(chosen.ID, err); ferr != nil {
			return false, ferr
		}
		d.logger.Warn("loop failed to spawn", slog.String("loop_id", chosen.ID), slog.String("error", err.Error()))
		return true, nil
	}
	return true, nil
}

type candidate struct {
	loop model.Loop
	tier int
}

// tier ranks loop for priority ordering: tier 0 (no parent, or a terminal
// parent) outranks tier 1 (parent exists and is not yet terminal, i.e. a
// plan still running that could yet be rejected or re-iterated). A loop
// whose parent record is missing is treated as tier 0 rather than stalled
// forever.
func (d *Dispatcher) tier(loop model.Loop) int {
	if loop.ParentID == "" {
		return 0
	}
	parent, ok, err := d.mgr.Get(loop.ParentID)
	if err != nil || !ok {
		return 0
	}
	if parent.Status.IsTerminal() {
		return 0
	}
	return 1
}
