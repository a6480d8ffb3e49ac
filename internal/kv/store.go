package kv

import (
	"sync"
)

// Op names an operation of the key-value store
type Op string

const (
	// Increment adds Value to the integer stored under Key, treating a missing key as zero
	Increment Op = "INCREMENT"
	// Get reads the integer stored under Key
	Get Op = "GET"
)

// ErrorCode tells a client why its command was not executed
type ErrorCode string

const (
	BadRequest ErrorCode = "BAD_REQUEST"
)

// Command is the request type replicated by the group
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value int    `json:"value,omitempty"`
}

// Result is what executing a Command returns. A successful Get of a missing key has neither a Value nor an Error.
type Result struct {
	Value *int      `json:"value,omitempty"`
	Error ErrorCode `json:"error,omitempty"`
}

// Success reports whether the command was executed
func (r Result) Success() bool {
	return r.Error == ""
}

func success(value *int) Result {
	return Result{Value: value}
}

func failure(code ErrorCode) Result {
	return Result{Error: code}
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}

// Store is a deterministic in-memory map from keys to integers
type Store struct {
	mu     sync.RWMutex
	state  map[string]int
	id     string // Replica ID for logging
	logger Logger
}

// NewStore creates an empty store. logger may be nil.
func NewStore(id string, logger Logger) *Store {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Store{
		state:  make(map[string]int),
		id:     id,
		logger: logger,
	}
}

// Execute applies cmd. Unknown operations and commands without a key are rejected with BadRequest and leave the state
// untouched.
func (s *Store) Execute(cmd Command) Result {
	if cmd.Key == "" {
		s.logger.Warnf("[KV-%s] Rejected %s without a key", s.id, cmd.Op)
		return failure(BadRequest)
	}

	switch cmd.Op {
	case Increment:
		s.mu.Lock()
		defer s.mu.Unlock()
		value := s.state[cmd.Key] + cmd.Value
		s.state[cmd.Key] = value
		s.logger.Debugf("[KV-%s] Applied INCREMENT: %s=%d", s.id, cmd.Key, value)
		return success(&value)
	case Get:
		s.mu.RLock()
		defer s.mu.RUnlock()
		value, ok := s.state[cmd.Key]
		if !ok {
			return success(nil)
		}
		return success(&value)
	default:
		s.logger.Warnf("[KV-%s] Unknown operation: %q", s.id, cmd.Op)
		return failure(BadRequest)
	}
}

// Value returns the integer stored under key
func (s *Store) Value(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.state[key]
	return value, ok
}

// Snapshot returns a copy of the whole state
func (s *Store) Snapshot() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]int, len(s.state))
	for k, v := range s.state {
		snapshot[k] = v
	}
	return snapshot
}
