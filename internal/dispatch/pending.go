package dispatch

import (
	"sync"
	"time"
)

// Result is the structured terminal outcome of a dispatched command.
// Status is one of success/declined/error; declined carries the operator's
// reason verbatim, error carries a machine-readable Error code.
type Result struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusSuccess  = "success"
	StatusDeclined = "declined"
	StatusError    = "error"
)

// Error codes carried by StatusError results.
const (
	ErrNotConnected = "not_connected"
	ErrTimeout      = "timeout"
	ErrDisconnected = "disconnected"
	ErrNoMatch      = "no_matching_result"
	ErrCancelled    = "cancelled"
	ErrQueueFull    = "queue_full"
)

type matchState int

const (
	waitingForMatch matchState = iota
	matched
	exhaustedRetries
)

type call struct {
	id       string
	deviceID string
	deadline time.Time
	ch       chan Result
	state    matchState
	misses   int
}

// pendingStore correlates in-flight command IDs to suspended callers. Each
// call resolves exactly once: by a matching result, by timeout, by session
// loss, or by running out of its unmatched-result budget.
type pendingStore struct {
	mu         sync.Mutex
	calls      map[string]*call
	missBudget int
}

func newPendingStore(missBudget int) *pendingStore {
	if missBudget <= 0 {
		missBudget = 3
	}
	return &pendingStore{calls: map[string]*call{}, missBudget: missBudget}
}

func (p *pendingStore) add(id, deviceID string, deadline time.Time) <-chan Result {
	c := &call{
		id:       id,
		deviceID: deviceID,
		deadline: deadline,
		ch:       make(chan Result, 1),
		state:    waitingForMatch,
	}
	p.mu.Lock()
	p.calls[id] = c
	p.mu.Unlock()
	return c.ch
}

// resolve completes the call once and removes it. Late or duplicate
// resolutions report false and are otherwise harmless.
func (p *pendingStore) resolve(id string, res Result) bool {
	p.mu.Lock()
	c, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	c.state = matched
	c.ch <- res
	return true
}

// handleResult routes an inbound command_result frame. A frame matching a
// pending call resolves it; an unsolicited frame counts one miss against
// every call still waiting on that device, and a call that exhausts its
// budget resolves with ErrNoMatch. Only command_result frames reach here,
// so heartbeats and telemetry never consume the budget.
func (p *pendingStore) handleResult(deviceID, id string, res Result) bool {
	if p.resolve(id, res) {
		return true
	}

	p.mu.Lock()
	var exhausted []*call
	for _, c := range p.calls {
		if c.deviceID != deviceID || c.state != waitingForMatch {
			continue
		}
		c.misses++
		if c.misses >= p.missBudget {
			c.state = exhaustedRetries
			delete(p.calls, c.id)
			exhausted = append(exhausted, c)
		}
	}
	p.mu.Unlock()

	for _, c := range exhausted {
		c.ch <- Result{Status: StatusError, Error: ErrNoMatch}
	}
	return false
}

// failDevice resolves every pending call for a device, used when its
// session is torn down.
func (p *pendingStore) failDevice(deviceID string, res Result) int {
	p.mu.Lock()
	var doomed []*call
	for id, c := range p.calls {
		if c.deviceID == deviceID {
			delete(p.calls, id)
			doomed = append(doomed, c)
		}
	}
	p.mu.Unlock()

	for _, c := range doomed {
		c.ch <- res
	}
	return len(doomed)
}

func (p *pendingStore) lenDevice(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.deviceID == deviceID {
			n++
		}
	}
	return n
}

func (p *pendingStore) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
