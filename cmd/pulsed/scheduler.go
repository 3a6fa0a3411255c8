package main

import (
	"context"
	"sync"
	"time"

	"github.com/pulsedb/pulse/pkg/auth"
	"github.com/pulsedb/pulse/pkg/commit"
	"github.com/pulsedb/pulse/pkg/log"
	"github.com/pulsedb/pulse/pkg/runtime"
	"github.com/pulsedb/pulse/pkg/runtime/modules"
)

// delayedScheduler implements runtime.Scheduler for scheduler.runAfter:
// in-memory time.AfterFunc timers that invoke the named function as a
// mutation running as the system identity, once host/modules/committer
// are available. Timers do not survive a process restart; a durable
// cron table is future work, not required by the invariants tested here.
type delayedScheduler struct {
	host      *runtime.Host
	modules   *modules.Store
	committer *commit.Coordinator

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
}

func newDelayedScheduler() *delayedScheduler {
	return &delayedScheduler{pending: make(map[*time.Timer]struct{})}
}

// bind wires the components the scheduler fires into, resolved after host
// construction since runtime.NewHost requires a Scheduler up front.
func (d *delayedScheduler) bind(host *runtime.Host, mods *modules.Store, committer *commit.Coordinator) {
	d.host = host
	d.modules = mods
	d.committer = committer
}

// RunAfter implements runtime.Scheduler.
func (d *delayedScheduler) RunAfter(ctx context.Context, delay time.Duration, functionName string, args []interface{}) error {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.pending, timer)
		d.mu.Unlock()
		d.fireCall(functionName, args)
	})
	d.mu.Lock()
	d.pending[timer] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *delayedScheduler) fireCall(functionName string, args []interface{}) {
	logger := log.WithComponent("scheduler")
	ctx := context.Background()

	path, export := splitScheduledPath(functionName)
	source, err := d.modules.ResolveAt(ctx, d.committer.LastCommitTS(), "", path)
	if err != nil {
		logger.Error().Err(err).Str("function", functionName).Msg("scheduled function not resolvable")
		return
	}

	call := runtime.Call{RequestID: "scheduled:" + functionName, Source: source, Export: export, Args: args, Identity: auth.System()}
	if _, err := d.host.RunMutation(ctx, d.committer.LastCommitTS, call); err != nil {
		logger.Error().Err(err).Str("function", functionName).Msg("scheduled mutation failed")
	}
}

func splitScheduledPath(path string) (string, string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == ':' {
			return path[:i], path[i+1:]
		}
	}
	return path, "handler"
}
