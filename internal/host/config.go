package host

import (
	"errors"
	"fmt"
	"time"

	"vr-replication/internal/vr"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// TransportKind selects the wire transport
type TransportKind string

const (
	UDP  TransportKind = "udp"
	GRPC TransportKind = "grpc"
)

// Config holds the configuration of a replica or client process
type Config struct {
	// Replicas lists the address of every replica of the group; the index is the replica number
	Replicas []string

	// ReplicaNumber is this replica's index in Replicas. Ignored by clients.
	ReplicaNumber int

	// ClientID identifies a client to the replicas. Ignored by replicas.
	ClientID string

	// BindAddr is the address a client listens on for replies. Replicas listen on Replicas[ReplicaNumber].
	BindAddr string

	Transport TransportKind

	// Recovering starts the replica in the Recovering status, for a replica restarted after a crash
	Recovering bool

	// CommitDelay is the heartbeat period; backups suspect the primary after twice this delay
	CommitDelay time.Duration

	// RequestTimeout is how long a client waits for a reply before broadcasting its request
	RequestTimeout time.Duration

	// RetransmitTimeout is how long a message waits for its Ack before it is sent again
	RetransmitTimeout time.Duration

	// DirectoryPath is the bbolt file remembering client addresses. Empty keeps them in memory.
	DirectoryPath string

	// MetricsAddr serves Prometheus metrics on /metrics when set
	MetricsAddr string

	Logger vr.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Transport:         UDP,
		CommitDelay:       vr.DefaultCommitDelay,
		RequestTimeout:    vr.DefaultRequestTimeout,
		RetransmitTimeout: vr.DefaultRetransmitTimeout,
		Logger:            nopLogger{},
	}
}

func validateCommon(config *Config) error {
	if len(config.Replicas) == 0 {
		return fmt.Errorf("%w: Replicas list is required", ErrInvalidConfig)
	}
	for i, addr := range config.Replicas {
		if addr == "" {
			return fmt.Errorf("%w: address of replica %d is empty", ErrInvalidConfig, i)
		}
	}
	if config.Transport != UDP && config.Transport != GRPC {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, config.Transport)
	}
	if config.RetransmitTimeout <= 0 {
		return fmt.Errorf("%w: RetransmitTimeout must be positive", ErrInvalidConfig)
	}
	if config.Logger == nil {
		config.Logger = nopLogger{}
	}
	return nil
}

func validateReplicaConfig(config *Config) error {
	if err := validateCommon(config); err != nil {
		return err
	}
	if config.ReplicaNumber < 0 || config.ReplicaNumber >= len(config.Replicas) {
		return fmt.Errorf("%w: ReplicaNumber %d outside a group of %d", ErrInvalidConfig, config.ReplicaNumber, len(config.Replicas))
	}
	if config.CommitDelay <= 0 {
		return fmt.Errorf("%w: CommitDelay must be positive", ErrInvalidConfig)
	}
	return nil
}

func validateClientConfig(config *Config) error {
	if err := validateCommon(config); err != nil {
		return err
	}
	if config.ClientID == "" {
		return fmt.Errorf("%w: ClientID is required", ErrInvalidConfig)
	}
	if config.BindAddr == "" {
		return fmt.Errorf("%w: BindAddr is required", ErrInvalidConfig)
	}
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("%w: RequestTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debugf(_ string, _ ...interface{}) {}
func (nopLogger) Infof(_ string, _ ...interface{})  {}
func (nopLogger) Warnf(_ string, _ ...interface{})  {}
func (nopLogger) Errorf(_ string, _ ...interface{}) {}
