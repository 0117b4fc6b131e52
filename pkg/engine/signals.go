package engine

import "sync"

// approvalSignal is a one-shot wake primitive for one waiting gate step.
type approvalSignal struct {
	ch    chan struct{}
	fired bool
}

// signalDirectory maps pipeline ids to their approval signals. Entries are
// registered by the launcher before the execution goroutine is spawned and
// removed only by that goroutine's own completion handler, so lookups from
// the decision path never race with cleanup.
type signalDirectory struct {
	mu      sync.Mutex
	signals map[string]*approvalSignal
}

func newSignalDirectory() *signalDirectory {
	return &signalDirectory{
		signals: make(map[string]*approvalSignal),
	}
}

// register installs a fresh signal for the pipeline, replacing any stale one.
func (d *signalDirectory) register(pipelineID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.signals[pipelineID] = &approvalSignal{ch: make(chan struct{})}
}

// arm returns the channel a gate step should wait on. A signal consumed by an
// earlier gate of the same pipeline is replaced with a fresh one so each gate
// waits on its own wake. The second return reports whether a signal had been
// registered; callers synthesize one when it was not.
func (d *signalDirectory) arm(pipelineID string) (<-chan struct{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	signal, ok := d.signals[pipelineID]
	if !ok || signal.fired {
		d.signals[pipelineID] = &approvalSignal{ch: make(chan struct{})}

		return d.signals[pipelineID].ch, ok
	}

	return signal.ch, true
}

// fire wakes the pipeline's waiting gate, if any. It reports whether a live
// signal was present; firing twice or firing an unknown pipeline is a no-op.
func (d *signalDirectory) fire(pipelineID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	signal, ok := d.signals[pipelineID]
	if !ok || signal.fired {
		return false
	}

	signal.fired = true
	close(signal.ch)

	return true
}

func (d *signalDirectory) remove(pipelineID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.signals, pipelineID)
}
