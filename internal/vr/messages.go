package vr

import (
	"github.com/google/uuid"
)

// Kind identifies the variant of a Message
type Kind int

const (
	RequestKind Kind = iota
	ReplyKind
	ObsoleteKind
	PrepareKind
	PrepareOkKind
	CommitKind
	StartViewChangeKind
	DoViewChangeKind
	StartViewKind
	RecoveryKind
	RecoveryResponseKind
	AckKind
)

func (k Kind) String() string {
	switch k {
	case RequestKind:
		return "Request"
	case ReplyKind:
		return "Reply"
	case ObsoleteKind:
		return "Obsolete"
	case PrepareKind:
		return "Prepare"
	case PrepareOkKind:
		return "PrepareOk"
	case CommitKind:
		return "Commit"
	case StartViewChangeKind:
		return "StartViewChange"
	case DoViewChangeKind:
		return "DoViewChange"
	case StartViewKind:
		return "StartView"
	case RecoveryKind:
		return "Recovery"
	case RecoveryResponseKind:
		return "RecoveryResponse"
	case AckKind:
		return "Ack"
	default:
		return "Unknown"
	}
}

// Message is the closed set of messages exchanged between clients and replicas. Only the types in this file implement
// it. Messages are never mutated after construction; a retransmission sends the very same value again.
type Message interface {
	// MessageID is unique per message, except for Ack which carries the id of the message it acknowledges.
	MessageID() string
	Kind() Kind
	sealed()
}

// ReplicaMessage is a Message sent by a replica to another replica. Every one of them except Ack is acknowledged by
// its receiver.
type ReplicaMessage interface {
	Message
	Sender() int
}

func newID() string {
	return uuid.New().String()
}

// Request is sent by a client to the primary
type Request[Q any] struct {
	ID            string `json:"id"`
	Request       Q      `json:"request"`
	ClientID      string `json:"clientId"`
	RequestNumber int    `json:"requestNumber"`
}

func NewRequest[Q any](request Q, clientID string, requestNumber int) *Request[Q] {
	return &Request[Q]{ID: newID(), Request: request, ClientID: clientID, RequestNumber: requestNumber}
}

// Reply carries the result of an executed request back to the client
type Reply[S any] struct {
	ID            string `json:"id"`
	ViewNumber    int    `json:"viewNumber"`
	RequestNumber int    `json:"requestNumber"`
	Response      S      `json:"response"`
}

func NewReply[S any](viewNumber, requestNumber int, response S) *Reply[S] {
	return &Reply[S]{ID: newID(), ViewNumber: viewNumber, RequestNumber: requestNumber, Response: response}
}

// Obsolete tells a client that its request is stale or that it reached a replica which is not the primary.
// RequestNumber is the latest request number the replica knows for that client, or -1.
type Obsolete struct {
	ID            string `json:"id"`
	ViewNumber    int    `json:"viewNumber"`
	RequestNumber int    `json:"requestNumber"`
}

func NewObsolete(viewNumber, requestNumber int) *Obsolete {
	return &Obsolete{ID: newID(), ViewNumber: viewNumber, RequestNumber: requestNumber}
}

// Prepare is sent by the primary to every backup for each new log entry
type Prepare[Q any] struct {
	ID            string     `json:"id"`
	ViewNumber    int        `json:"viewNumber"`
	Request       Request[Q] `json:"request"`
	OpNumber      int        `json:"opNumber"`
	CommitNumber  int        `json:"commitNumber"`
	ReplicaNumber int        `json:"replicaNumber"`
}

func NewPrepare[Q any](viewNumber int, request Request[Q], opNumber, commitNumber, replicaNumber int) *Prepare[Q] {
	return &Prepare[Q]{
		ID:            newID(),
		ViewNumber:    viewNumber,
		Request:       request,
		OpNumber:      opNumber,
		CommitNumber:  commitNumber,
		ReplicaNumber: replicaNumber,
	}
}

// PrepareOk is a backup's confirmation that it appended OpNumber to its log
type PrepareOk struct {
	ID            string `json:"id"`
	ViewNumber    int    `json:"viewNumber"`
	OpNumber      int    `json:"opNumber"`
	ReplicaNumber int    `json:"replicaNumber"`
}

func NewPrepareOk(viewNumber, opNumber, replicaNumber int) *PrepareOk {
	return &PrepareOk{ID: newID(), ViewNumber: viewNumber, OpNumber: opNumber, ReplicaNumber: replicaNumber}
}

// Commit is the primary's heartbeat. It also tells backups how far they may execute.
type Commit struct {
	ID            string `json:"id"`
	ViewNumber    int    `json:"viewNumber"`
	CommitNumber  int    `json:"commitNumber"`
	ReplicaNumber int    `json:"replicaNumber"`
}

func NewCommit(viewNumber, commitNumber, replicaNumber int) *Commit {
	return &Commit{ID: newID(), ViewNumber: viewNumber, CommitNumber: commitNumber, ReplicaNumber: replicaNumber}
}

type StartViewChange struct {
	ID            string `json:"id"`
	ViewNumber    int    `json:"viewNumber"`
	ReplicaNumber int    `json:"replicaNumber"`
}

func NewStartViewChange(viewNumber, replicaNumber int) *StartViewChange {
	return &StartViewChange{ID: newID(), ViewNumber: viewNumber, ReplicaNumber: replicaNumber}
}

// DoViewChange carries a replica's log to the primary of the new view
type DoViewChange[Q any] struct {
	ID               string       `json:"id"`
	ViewNumber       int          `json:"viewNumber"`
	Log              []Request[Q] `json:"log"`
	NormalViewNumber int          `json:"normalViewNumber"`
	OpNumber         int          `json:"opNumber"`
	CommitNumber     int          `json:"commitNumber"`
	ReplicaNumber    int          `json:"replicaNumber"`
}

func NewDoViewChange[Q any](viewNumber int, log []Request[Q], normalViewNumber, opNumber, commitNumber, replicaNumber int) *DoViewChange[Q] {
	return &DoViewChange[Q]{
		ID:               newID(),
		ViewNumber:       viewNumber,
		Log:              log,
		NormalViewNumber: normalViewNumber,
		OpNumber:         opNumber,
		CommitNumber:     commitNumber,
		ReplicaNumber:    replicaNumber,
	}
}

// StartView is broadcast by the new primary once it has chosen the log of the new view
type StartView[Q any] struct {
	ID            string       `json:"id"`
	ViewNumber    int          `json:"viewNumber"`
	Log           []Request[Q] `json:"log"`
	OpNumber      int          `json:"opNumber"`
	CommitNumber  int          `json:"commitNumber"`
	ReplicaNumber int          `json:"replicaNumber"`
}

func NewStartView[Q any](viewNumber int, log []Request[Q], opNumber, commitNumber, replicaNumber int) *StartView[Q] {
	return &StartView[Q]{
		ID:            newID(),
		ViewNumber:    viewNumber,
		Log:           log,
		OpNumber:      opNumber,
		CommitNumber:  commitNumber,
		ReplicaNumber: replicaNumber,
	}
}

// Recovery is broadcast by a restarted replica. UID ties the responses to this particular recovery attempt.
type Recovery struct {
	ID            string `json:"id"`
	ReplicaNumber int    `json:"replicaNumber"`
	UID           string `json:"uid"`
}

func NewRecovery(replicaNumber int, uid string) *Recovery {
	return &Recovery{ID: newID(), ReplicaNumber: replicaNumber, UID: uid}
}

// RecoveryResponse answers a Recovery. Log, OpNumber and CommitNumber are only set when the sender is the primary of
// its current view.
type RecoveryResponse[Q any] struct {
	ID            string       `json:"id"`
	ViewNumber    int          `json:"viewNumber"`
	UID           string       `json:"uid"`
	ReplicaNumber int          `json:"replicaNumber"`
	Log           []Request[Q] `json:"log"`
	OpNumber      *int         `json:"opNumber,omitempty"`
	CommitNumber  *int         `json:"commitNumber,omitempty"`
}

func NewRecoveryResponse[Q any](viewNumber int, uid string, replicaNumber int) *RecoveryResponse[Q] {
	return &RecoveryResponse[Q]{ID: newID(), ViewNumber: viewNumber, UID: uid, ReplicaNumber: replicaNumber}
}

// FromPrimary reports whether the response carries the primary's state. The log itself may be empty.
func (r *RecoveryResponse[Q]) FromPrimary() bool {
	return r.OpNumber != nil && r.CommitNumber != nil
}

// Ack acknowledges the replica message with the same ID
type Ack struct {
	ID            string `json:"id"`
	ReplicaNumber int    `json:"replicaNumber"`
}

func NewAck(id string, replicaNumber int) *Ack {
	return &Ack{ID: id, ReplicaNumber: replicaNumber}
}

func (m *Request[Q]) MessageID() string          { return m.ID }
func (m *Reply[S]) MessageID() string            { return m.ID }
func (m *Obsolete) MessageID() string            { return m.ID }
func (m *Prepare[Q]) MessageID() string          { return m.ID }
func (m *PrepareOk) MessageID() string           { return m.ID }
func (m *Commit) MessageID() string              { return m.ID }
func (m *StartViewChange) MessageID() string     { return m.ID }
func (m *DoViewChange[Q]) MessageID() string     { return m.ID }
func (m *StartView[Q]) MessageID() string        { return m.ID }
func (m *Recovery) MessageID() string            { return m.ID }
func (m *RecoveryResponse[Q]) MessageID() string { return m.ID }
func (m *Ack) MessageID() string                 { return m.ID }

func (m *Request[Q]) Kind() Kind          { return RequestKind }
func (m *Reply[S]) Kind() Kind            { return ReplyKind }
func (m *Obsolete) Kind() Kind            { return ObsoleteKind }
func (m *Prepare[Q]) Kind() Kind          { return PrepareKind }
func (m *PrepareOk) Kind() Kind           { return PrepareOkKind }
func (m *Commit) Kind() Kind              { return CommitKind }
func (m *StartViewChange) Kind() Kind     { return StartViewChangeKind }
func (m *DoViewChange[Q]) Kind() Kind     { return DoViewChangeKind }
func (m *StartView[Q]) Kind() Kind        { return StartViewKind }
func (m *Recovery) Kind() Kind            { return RecoveryKind }
func (m *RecoveryResponse[Q]) Kind() Kind { return RecoveryResponseKind }
func (m *Ack) Kind() Kind                 { return AckKind }

func (m *Request[Q]) sealed()          {}
func (m *Reply[S]) sealed()            {}
func (m *Obsolete) sealed()            {}
func (m *Prepare[Q]) sealed()          {}
func (m *PrepareOk) sealed()           {}
func (m *Commit) sealed()              {}
func (m *StartViewChange) sealed()     {}
func (m *DoViewChange[Q]) sealed()     {}
func (m *StartView[Q]) sealed()        {}
func (m *Recovery) sealed()            {}
func (m *RecoveryResponse[Q]) sealed() {}
func (m *Ack) sealed()                 {}

func (m *Prepare[Q]) Sender() int          { return m.ReplicaNumber }
func (m *PrepareOk) Sender() int           { return m.ReplicaNumber }
func (m *Commit) Sender() int              { return m.ReplicaNumber }
func (m *StartViewChange) Sender() int     { return m.ReplicaNumber }
func (m *DoViewChange[Q]) Sender() int     { return m.ReplicaNumber }
func (m *StartView[Q]) Sender() int        { return m.ReplicaNumber }
func (m *Recovery) Sender() int            { return m.ReplicaNumber }
func (m *RecoveryResponse[Q]) Sender() int { return m.ReplicaNumber }
func (m *Ack) Sender() int                 { return m.ReplicaNumber }
