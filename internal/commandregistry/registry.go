// Package commandregistry implements the C2 command registry and
// async-result store: a namespace of extension.command handlers, a
// CommandRecord per invocation, and the one-in-flight-async-command-per
// -extension rule.
package commandregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rackerlabs/ironic-python-agent/internal/agentmetrics"
	"github.com/rackerlabs/ironic-python-agent/internal/apierrors"
	"github.com/rs/zerolog"
)

// Status is a CommandRecord's lifecycle state. Transitions are monotonic:
// RUNNING is always the initial state for async commands, and it moves to
// exactly one of SUCCEEDED or FAILED, never back.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Handler is one command's implementation. Params is the decoded request
// body for that command. The returned value is marshaled verbatim as the
// record's Result on success.
type Handler func(params map[string]interface{}) (interface{}, error)

// Command is one named, registered operation.
type Command struct {
	Extension string
	Name      string
	Async     bool
	Handler   Handler
}

// FullName is the "extension.command" identifier requests use to name a
// command (spec.md §4.5).
func (c Command) FullName() string { return c.Extension + "." + c.Name }

// CommandRecord is the durable record of one command invocation, returned
// to HTTP callers and retrievable by id for as long as the process runs.
type CommandRecord struct {
	ID        string               `json:"id"`
	Name      string               `json:"command_name"`
	Params    interface{}          `json:"command_params"`
	Status    Status               `json:"command_status"`
	Result    interface{}          `json:"command_result,omitempty"`
	Error     *apierrors.RESTError `json:"command_error,omitempty"`
	CreatedAt time.Time            `json:"-"`
}

// Registry concatenates every extension's commands into a single
// "extension.command" namespace and tracks the async-result store.
type Registry struct {
	log     zerolog.Logger
	metrics *agentmetrics.Metrics

	mu       sync.Mutex
	commands map[string]Command
	records  map[string]*CommandRecord
	running  map[string]string // extension -> record id of its in-flight async command
}

// NewRegistry builds an empty command registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:      log,
		commands: make(map[string]Command),
		records:  make(map[string]*CommandRecord),
		running:  make(map[string]string),
	}
}

// SetMetrics attaches a metrics recorder, enabling per-command dispatch
// counters. Safe to call after commands have already been registered; nil
// is fine (the default) since every recording method is nil-safe.
func (r *Registry) SetMetrics(m *agentmetrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Register adds a command to the namespace. Called at startup, once per
// extension's command set; not safe to call concurrently with Execute.
func (r *Registry) Register(cmd Command) {
	r.commands[cmd.FullName()] = cmd
}

// Execute runs a command by its "extension.command" name. Synchronous
// commands run inline and return a terminal record; asynchronous commands
// return a RUNNING record immediately and complete on a background
// goroutine.
func (r *Registry) Execute(fullName string, params map[string]interface{}) (*CommandRecord, error) {
	r.mu.Lock()
	cmd, ok := r.commands[fullName]
	r.mu.Unlock()
	if !ok {
		return nil, apierrors.InvalidCommand(fmt.Sprintf("unknown command: %s", fullName))
	}

	record := &CommandRecord{
		ID:        uuid.NewString(),
		Name:      fullName,
		Params:    params,
		Status:    StatusRunning,
		CreatedAt: time.Now(),
	}

	if !cmd.Async {
		r.mu.Lock()
		r.records[record.ID] = record
		r.mu.Unlock()
		result, err := cmd.Handler(params)
		r.complete(record, result, err)
		return record, nil
	}

	r.mu.Lock()
	if _, busy := r.running[cmd.Extension]; busy {
		r.mu.Unlock()
		return nil, apierrors.AsyncCommandBusy(cmd.Extension)
	}
	r.records[record.ID] = record
	r.running[cmd.Extension] = record.ID
	r.mu.Unlock()

	go func() {
		result, err := cmd.Handler(params)
		r.complete(record, result, err)
		r.mu.Lock()
		delete(r.running, cmd.Extension)
		r.mu.Unlock()
	}()

	return record, nil
}

// complete transitions a record to its terminal status under the
// registry's mutex, so concurrent status reads never observe a torn write.
func (r *Registry) complete(record *CommandRecord, result interface{}, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		record.Status = StatusFailed
		record.Error = apierrors.CommandExecutionError(err.Error())
		r.log.Error().Err(err).Str("command", record.Name).Str("id", record.ID).Msg("command failed")
		r.metrics.RecordCommand(record.Name, string(StatusFailed))
		return
	}
	record.Status = StatusSucceeded
	record.Result = result
	r.metrics.RecordCommand(record.Name, string(StatusSucceeded))
}

// Get retrieves a command record by id.
func (r *Registry) Get(id string) (*CommandRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, apierrors.RequestedObjectNotFound("Command result", id)
	}
	return record, nil
}

// List returns every command record known to the registry, in no
// particular order.
func (r *Registry) List() []*CommandRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CommandRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}
