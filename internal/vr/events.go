package vr

import "vr-replication/internal/pubsub"

// Event types published by a Replica on its optional event bus
const (
	StatusChangedEvent pubsub.EventType = iota + 1
	ViewChangedEvent
	OperationCommittedEvent
)

// StatusChanged is published whenever a replica moves between Normal, ViewChange and Recovering
type StatusChanged struct {
	ReplicaNumber int
	From          Status
	To            Status
	ViewNumber    int
}

// ViewChanged is published when a replica adopts a higher view number
type ViewChanged struct {
	ReplicaNumber int
	ViewNumber    int
	Primary       int
}

// OperationCommitted is published after a log entry has been executed
type OperationCommitted struct {
	ReplicaNumber int
	OpNumber      int
	ClientID      string
	RequestNumber int
}
