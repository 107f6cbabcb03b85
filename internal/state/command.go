package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Command kinds drained by the control engine.
const (
	KindPlantStart      = "plant.start"
	KindPlantStop       = "plant.stop"
	KindDispatchEnable  = "plant.dispatch_enable"
	KindDispatchDisable = "plant.dispatch_disable"
	KindRecordStart     = "plant.record_start"
	KindRecordStop      = "plant.record_stop"
	KindFleetStartAll   = "fleet.start_all"
	KindFleetStopAll    = "fleet.stop_all"
	KindTransportSwitch = "transport.switch"
)

// Command kinds drained by the settings engine.
const (
	KindManualActivate   = "manual.activate"
	KindManualUpdate     = "manual.update"
	KindManualInactivate = "manual.inactivate"
	KindAPIConnect       = "api.connect"
	KindAPIDisconnect    = "api.disconnect"
	KindPostingEnable    = "posting.enable"
	KindPostingDisable   = "posting.disable"
)

// CommandState is the lifecycle state of a command.
type CommandState string

const (
	CommandQueued    CommandState = "queued"
	CommandRunning   CommandState = "running"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
	CommandRejected  CommandState = "rejected"
)

// Terminal reports whether the state is final. Terminal statuses are
// immutable.
func (s CommandState) Terminal() bool {
	return s == CommandSucceeded || s == CommandFailed || s == CommandRejected
}

// Command is one operator intent moving through a queue.
type Command struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
	Source     string         `json:"source"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	State      CommandState   `json:"state"`
	Message    string         `json:"message,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

func (c Command) clone() Command {
	out := c
	if c.StartedAt != nil {
		v := *c.StartedAt
		out.StartedAt = &v
	}
	if c.FinishedAt != nil {
		v := *c.FinishedAt
		out.FinishedAt = &v
	}
	if c.Payload != nil {
		out.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			out.Payload[k] = v
		}
	}
	if c.Result != nil {
		out.Result = make(map[string]any, len(c.Result))
		for k, v := range c.Result {
			out.Result[k] = v
		}
	}
	return out
}

// PayloadString reads a string payload field.
func (c Command) PayloadString(key string) (string, bool) {
	v, ok := c.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ErrQueueFull is returned by Submit when the queue is at capacity.
// The rejected command is still recorded in history so callers can
// surface its terminal status.
var ErrQueueFull = errors.New("command queue is full")

const (
	// QueueCapacity bounds pending commands per queue.
	QueueCapacity = 16
	// HistoryLimit bounds retained command statuses per queue.
	HistoryLimit = 200

	// failedRecentWindow scopes the failed_recent_count metric.
	failedRecentWindow = 15 * time.Minute
)

// Command ids are unique across the process, shared by both queues.
var commandCounter atomic.Uint64

func nextCommandID() string {
	return fmt.Sprintf("cmd-%06d", commandCounter.Add(1))
}

// CommandQueue is a bounded multi-producer single-consumer FIFO with
// a ring-buffered history of recent command statuses.
type CommandQueue struct {
	mu           sync.Mutex
	name         string
	pending      []*Command
	history      map[string]*Command
	order        []string
	lastFinished *Command
}

// NewCommandQueue creates an empty queue. The name appears in logs
// and metrics only.
func NewCommandQueue(name string) *CommandQueue {
	return &CommandQueue{
		name:    name,
		history: make(map[string]*Command),
	}
}

// Name returns the queue's label.
func (q *CommandQueue) Name() string { return q.name }

// Submit enqueues a new command and returns its initial status. When
// the queue is full the command is recorded as rejected with message
// queue_full and ErrQueueFull is returned alongside it.
func (q *CommandQueue) Submit(kind string, payload map[string]any, source string) (Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	cmd := &Command{
		ID:        nextCommandID(),
		Kind:      kind,
		Payload:   payload,
		Source:    source,
		CreatedAt: now,
		State:     CommandQueued,
	}
	if len(q.pending) >= QueueCapacity {
		cmd.State = CommandRejected
		cmd.Message = "queue_full"
		cmd.FinishedAt = &now
		q.recordLocked(cmd)
		q.lastFinished = cmd
		return cmd.clone(), ErrQueueFull
	}
	q.pending = append(q.pending, cmd)
	q.recordLocked(cmd)
	return cmd.clone(), nil
}

// Dequeue pops the oldest pending command. Non-blocking.
func (q *CommandQueue) Dequeue() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Command{}, false
	}
	cmd := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return cmd.clone(), true
}

// MarkRunning moves a queued command to running.
func (q *CommandQueue) MarkRunning(id string) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.history[id]
	if !ok || cmd.State != CommandQueued {
		return Command{}, false
	}
	now := time.Now()
	cmd.State = CommandRunning
	cmd.StartedAt = &now
	return cmd.clone(), true
}

// Finish moves a command to a terminal state. A command already
// terminal is left untouched.
func (q *CommandQueue) Finish(id string, terminal CommandState, message string, result map[string]any) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.history[id]
	if !ok || cmd.State.Terminal() || !terminal.Terminal() {
		return Command{}, false
	}
	now := time.Now()
	cmd.State = terminal
	cmd.Message = message
	cmd.Result = result
	cmd.FinishedAt = &now
	q.lastFinished = cmd
	return cmd.clone(), true
}

// Status returns the recorded status of a command by id.
func (q *CommandQueue) Status(id string) (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.history[id]
	if !ok {
		return Command{}, false
	}
	return cmd.clone(), true
}

// Depth returns the number of pending commands.
func (q *CommandQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Counts returns queued, running and recently-failed totals across
// pending commands and history.
func (q *CommandQueue) Counts() (queued, running, failedRecent int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-failedRecentWindow)
	for _, cmd := range q.history {
		switch cmd.State {
		case CommandQueued:
			queued++
		case CommandRunning:
			running++
		case CommandFailed:
			if cmd.FinishedAt != nil && cmd.FinishedAt.After(cutoff) {
				failedRecent++
			}
		}
	}
	return queued, running, failedRecent
}

// LastFinished returns the most recently finished command.
func (q *CommandQueue) LastFinished() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lastFinished == nil {
		return Command{}, false
	}
	return q.lastFinished.clone(), true
}

// Recent returns up to limit most recent command statuses, newest
// first.
func (q *CommandQueue) Recent(limit int) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.order) {
		limit = len(q.order)
	}
	out := make([]Command, 0, limit)
	for i := len(q.order) - 1; i >= 0 && len(out) < limit; i-- {
		if cmd, ok := q.history[q.order[i]]; ok {
			out = append(out, cmd.clone())
		}
	}
	return out
}

func (q *CommandQueue) recordLocked(cmd *Command) {
	q.history[cmd.ID] = cmd
	q.order = append(q.order, cmd.ID)
	for len(q.order) > HistoryLimit {
		delete(q.history, q.order[0])
		q.order[0] = ""
		q.order = q.order[1:]
	}
}
