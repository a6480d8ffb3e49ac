package vr

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"vr-replication/internal/pubsub"
	"vr-replication/internal/scheduling"
)

// Replica is one member of a VR replica group. It is driven entirely by Receive and by the tasks it schedules, and
// must only be touched from the scheduler's goroutine.
type Replica[Q, S any] struct {
	channels      []*Channel
	replicaNumber int
	scheduler     scheduling.Scheduler
	app           Application[Q, S]
	commitDelay   time.Duration
	logger        Logger
	metrics       MetricsCollector
	events        *pubsub.PubSubClient

	viewNumber int
	// normalViewNumber is the last view in which this replica's status was Normal. It ranks logs during a view change.
	normalViewNumber int
	opNumber         int
	commitNumber     int
	status           Status
	uid              string
	// recoveryViewNumber is the view the current recovery attempt was started in, -1 before Recover
	recoveryViewNumber int

	log         []Request[Q]
	clientTable clientTable[S]

	preparedBackups   map[int]map[int]struct{}
	startedViewChange map[int]map[int]struct{}
	didViewChange     map[int]map[int]*DoViewChange[Q]
	recovered         map[int]*RecoveryResponse[Q]

	lastPrimaryRequest time.Duration
}

// ReplicaOption configures a Replica
type ReplicaOption func(*replicaConfig)

type replicaConfig struct {
	status      Status
	commitDelay time.Duration
	logger      Logger
	metrics     MetricsCollector
	events      *pubsub.PubSubClient
}

// WithStatus sets the initial status. A replica rejoining the group after a crash starts Recovering.
func WithStatus(status Status) ReplicaOption {
	return func(c *replicaConfig) { c.status = status }
}

// WithCommitDelay overrides DefaultCommitDelay
func WithCommitDelay(delay time.Duration) ReplicaOption {
	return func(c *replicaConfig) { c.commitDelay = delay }
}

func WithLogger(logger Logger) ReplicaOption {
	return func(c *replicaConfig) { c.logger = logger }
}

func WithMetrics(metrics MetricsCollector) ReplicaOption {
	return func(c *replicaConfig) { c.metrics = metrics }
}

// WithEvents publishes StatusChanged, ViewChanged and OperationCommitted events on bus
func WithEvents(bus *pubsub.PubSubClient) ReplicaOption {
	return func(c *replicaConfig) { c.events = bus }
}

// NewReplica creates replica number replicaNumber of the group reachable through channels, where channels[i] leads to
// replica i (channels[replicaNumber] leads back to this replica). The heartbeat and the failure detector are armed
// immediately.
func NewReplica[Q, S any](channels []*Channel, replicaNumber int, scheduler scheduling.Scheduler, app Application[Q, S], opts ...ReplicaOption) *Replica[Q, S] {
	cfg := replicaConfig{
		status:      Normal,
		commitDelay: DefaultCommitDelay,
		logger:      nopLogger{},
		metrics:     nopMetrics{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Replica[Q, S]{
		channels:           channels,
		replicaNumber:      replicaNumber,
		scheduler:          scheduler,
		app:                app,
		commitDelay:        cfg.commitDelay,
		logger:             cfg.logger,
		metrics:            cfg.metrics,
		events:             cfg.events,
		opNumber:           -1,
		commitNumber:       -1,
		status:             cfg.status,
		uid:                uuid.New().String(),
		recoveryViewNumber: -1,
		clientTable:        make(clientTable[S]),
		preparedBackups:    make(map[int]map[int]struct{}),
		startedViewChange:  make(map[int]map[int]struct{}),
		didViewChange:      make(map[int]map[int]*DoViewChange[Q]),
		recovered:          make(map[int]*RecoveryResponse[Q]),
	}

	r.scheduleCommitMessage()
	r.scheduleViewChange()
	return r
}

// Receive handles a message delivered to this replica
func (r *Replica[Q, S]) Receive(msg Message) error {
	if rm, ok := msg.(ReplicaMessage); ok && rm.Sender() == r.primary() {
		r.lastPrimaryRequest = r.scheduler.Now()
	}

	switch m := msg.(type) {
	case *Request[Q]:
		r.onRequest(m)
	case *Prepare[Q]:
		r.onPrepare(m)
	case *PrepareOk:
		r.onPrepareOk(m)
	case *Commit:
		r.onCommit(m)
	case *Ack:
		return r.onAck(m)
	case *StartViewChange:
		r.onStartViewChange(m)
	case *DoViewChange[Q]:
		r.onDoViewChange(m)
	case *StartView[Q]:
		r.onStartView(m)
	case *Recovery:
		r.onRecovery(m)
	case *RecoveryResponse[Q]:
		r.onRecoveryResponse(m)
	default:
		return fmt.Errorf("replica %d: %w: %T", r.replicaNumber, ErrUnexpectedMessage, msg)
	}
	return nil
}

// StartViewChange makes this backup give up on the current primary and move to the next view
func (r *Replica[Q, S]) StartViewChange() error {
	if r.IsPrimary() {
		return fmt.Errorf("replica %d in view %d: %w", r.replicaNumber, r.viewNumber, ErrIsPrimary)
	}
	r.startViewChange(r.viewNumber + 1)
	return nil
}

// Recover asks the other replicas for the current state. The replica must have been created with WithStatus(Recovering).
func (r *Replica[Q, S]) Recover() error {
	if r.status != Recovering {
		return fmt.Errorf("replica %d is %v: %w", r.replicaNumber, r.status, ErrNotRecovering)
	}
	r.startRecovery(r.viewNumber)
	return nil
}

func (r *Replica[Q, S]) startRecovery(viewNumber int) {
	r.recoveryViewNumber = viewNumber
	r.recovered = make(map[int]*RecoveryResponse[Q])
	r.logger.Infof("[Replica-%d] Starting recovery %s from view %d", r.replicaNumber, r.uid, viewNumber)
	r.metrics.RecordRecovery()
	r.broadcast(NewRecovery(r.replicaNumber, r.uid), false)
}

// --- normal operation ---

func (r *Replica[Q, S]) onRequest(request *Request[Q]) {
	known := r.clientTable.requestNumber(request.ClientID)

	if !r.IsPrimary() {
		r.app.SendResponse(request.ClientID, NewObsolete(r.viewNumber, known))
		return
	}

	if r.status != Normal {
		return
	}

	if entry, ok := r.clientTable[request.ClientID]; ok {
		if entry.requestNumber > request.RequestNumber {
			r.app.SendResponse(request.ClientID, NewObsolete(r.viewNumber, known))
			return
		}
		if entry.requestNumber == request.RequestNumber {
			if entry.executed {
				r.app.SendResponse(request.ClientID, NewReply(r.viewNumber, entry.requestNumber, entry.result))
			}
			return
		}
	}

	r.add(*request)
	r.metrics.RecordPrepare()
	r.logger.Debugf("[Replica-%d] Preparing op %d for %s/%d", r.replicaNumber, r.opNumber, request.ClientID, request.RequestNumber)
	r.broadcast(NewPrepare(r.viewNumber, *request, r.opNumber, r.commitNumber, r.replicaNumber), false)
}

func (r *Replica[Q, S]) onPrepare(prepare *Prepare[Q]) {
	if r.status != Normal {
		return
	}
	if r.opNumber+1 < prepare.OpNumber {
		r.logger.Debugf("[Replica-%d] Dropping prepare %d, last op is %d", r.replicaNumber, prepare.OpNumber, r.opNumber)
		return
	}

	r.sendAck(prepare)

	if !r.shouldProcess(false, prepare.ViewNumber) || r.opNumber+1 > prepare.OpNumber {
		return
	}

	r.commitAsBackup(prepare.CommitNumber)
	r.add(prepare.Request)
	r.send(prepare.ReplicaNumber, NewPrepareOk(r.viewNumber, prepare.OpNumber, r.replicaNumber))
}

func (r *Replica[Q, S]) onPrepareOk(prepareOk *PrepareOk) {
	if r.status != Normal {
		return
	}
	r.sendAck(prepareOk)

	if !r.shouldProcess(true, prepareOk.ViewNumber) || prepareOk.OpNumber <= r.commitNumber {
		return
	}

	prepared, ok := r.preparedBackups[prepareOk.OpNumber]
	if !ok {
		prepared = make(map[int]struct{})
		r.preparedBackups[prepareOk.OpNumber] = prepared
	}
	prepared[prepareOk.ReplicaNumber] = struct{}{}

	// together with the primary itself, f backups make a quorum
	if len(prepared) == r.threshold() {
		r.commitAsPrimary(prepareOk.OpNumber)
		for op := range r.preparedBackups {
			if op <= r.commitNumber {
				delete(r.preparedBackups, op)
			}
		}
	}
}

func (r *Replica[Q, S]) onCommit(commit *Commit) {
	if r.status != Normal {
		return
	}
	if !r.shouldProcess(false, commit.ViewNumber) || r.commitNumber >= commit.CommitNumber {
		return
	}
	r.commitAsBackup(min(commit.CommitNumber, r.opNumber))
}

func (r *Replica[Q, S]) onAck(ack *Ack) error {
	if ack.ReplicaNumber < 0 || ack.ReplicaNumber >= len(r.channels) {
		return fmt.Errorf("replica %d: ack from unknown replica %d", r.replicaNumber, ack.ReplicaNumber)
	}
	r.channels[ack.ReplicaNumber].Acknowledged(ack.ID)
	return nil
}

// scheduleCommitMessage arms the heartbeat. The primary only sends it when nothing happened since it was armed, since
// any Prepare already carried the commit number. A restarted primary that is still Recovering stays silent, so the
// backups can suspect it and elect a new one.
func (r *Replica[Q, S]) scheduleCommitMessage() {
	viewNumber, commitNumber := r.viewNumber, r.commitNumber
	r.scheduler.Schedule(r.commitDelay, func() {
		if r.status == Normal && r.IsPrimary() && viewNumber == r.viewNumber && commitNumber == r.commitNumber {
			r.metrics.RecordHeartbeat()
			r.broadcast(NewCommit(viewNumber, commitNumber, r.replicaNumber), false)
		}
		r.scheduleCommitMessage()
	})
}

// scheduleViewChange arms the failure detector
func (r *Replica[Q, S]) scheduleViewChange() {
	r.scheduler.Schedule(2*r.commitDelay, func() {
		elapsed := r.scheduler.Now() - r.lastPrimaryRequest
		if r.status != Recovering && !r.IsPrimary() && elapsed >= 2*r.commitDelay {
			r.logger.Warnf("[Replica-%d] %v since last message from primary %d, starting view change",
				r.replicaNumber, elapsed, r.primary())
			r.startViewChange(r.viewNumber + 1)
		}
		r.scheduleViewChange()
	})
}

// --- commit execution ---

func (r *Replica[Q, S]) commitAsBackup(to int) {
	for r.commitNumber < to && r.commitNumber < r.opNumber {
		r.commitEntry(r.log[r.commitNumber+1])
	}
}

// commitAsPrimary executes up to op to and answers the clients whose latest request was executed
func (r *Replica[Q, S]) commitAsPrimary(to int) {
	for r.commitNumber < to && r.commitNumber < r.opNumber {
		request := r.log[r.commitNumber+1]
		if r.commitEntry(request) {
			entry := r.clientTable[request.ClientID]
			r.app.SendResponse(request.ClientID, NewReply(r.viewNumber, entry.requestNumber, entry.result))
		}
	}
}

// commitEntry executes the next log entry. It reports whether the entry is the latest request known from its client,
// i.e. whether the client still waits for this result.
func (r *Replica[Q, S]) commitEntry(request Request[Q]) bool {
	result := r.app.Execute(request.Request)
	r.commitNumber++

	sameRequest := r.clientTable.requestNumber(request.ClientID) == request.RequestNumber
	r.clientTable.advance(request.ClientID, request.RequestNumber)
	r.clientTable.executed(request.ClientID, request.RequestNumber, result)

	r.metrics.RecordCommit()
	pubsub.Publish(r.events, pubsub.NewEvent(OperationCommittedEvent, OperationCommitted{
		ReplicaNumber: r.replicaNumber,
		OpNumber:      r.commitNumber,
		ClientID:      request.ClientID,
		RequestNumber: request.RequestNumber,
	}))
	return sameRequest
}

func (r *Replica[Q, S]) add(request Request[Q]) {
	r.opNumber++
	r.log = append(r.log, request)
	r.clientTable.reset(request.ClientID, request.RequestNumber)
}

// replaceLog swaps the whole log and rebuilds the client table from it
func (r *Replica[Q, S]) replaceLog(log []Request[Q]) {
	r.log = append([]Request[Q](nil), log...)
	for _, request := range r.log {
		r.clientTable.advance(request.ClientID, request.RequestNumber)
	}
}

// --- view change ---

func (r *Replica[Q, S]) startViewChange(viewNumber int) {
	r.setView(viewNumber)
	r.setStatus(ViewChange)
	r.metrics.RecordViewChange()
	r.logger.Infof("[Replica-%d] Starting view change to view %d", r.replicaNumber, viewNumber)
	r.broadcast(NewStartViewChange(viewNumber, r.replicaNumber), true)
}

// viewChangeDone reports whether a view change message for viewNumber is stale: an older view, or the current one
// after it already went Normal.
func (r *Replica[Q, S]) viewChangeDone(viewNumber int) bool {
	return viewNumber < r.viewNumber || (viewNumber == r.viewNumber && r.status == Normal)
}

func (r *Replica[Q, S]) onStartViewChange(svc *StartViewChange) {
	r.sendAck(svc)

	if r.status == Recovering || r.viewChangeDone(svc.ViewNumber) {
		return
	}
	if r.viewNumber < svc.ViewNumber {
		r.startViewChange(svc.ViewNumber)
	}

	started, ok := r.startedViewChange[svc.ViewNumber]
	if !ok {
		started = make(map[int]struct{})
		r.startedViewChange[svc.ViewNumber] = started
	}
	started[svc.ReplicaNumber] = struct{}{}

	if len(started) == r.threshold()+1 {
		newPrimary := primaryOf(svc.ViewNumber, len(r.channels))
		r.logger.Debugf("[Replica-%d] Sending DoViewChange for view %d to %d", r.replicaNumber, svc.ViewNumber, newPrimary)
		r.send(newPrimary, NewDoViewChange(svc.ViewNumber, r.Log(), r.normalViewNumber, r.opNumber, r.commitNumber, r.replicaNumber))
		delete(r.startedViewChange, svc.ViewNumber)
	}
}

func (r *Replica[Q, S]) onDoViewChange(dvc *DoViewChange[Q]) {
	r.sendAck(dvc)

	if r.status == Recovering || r.viewChangeDone(dvc.ViewNumber) {
		return
	}
	if r.viewNumber < dvc.ViewNumber {
		r.startViewChange(dvc.ViewNumber)
	}

	changed, ok := r.didViewChange[dvc.ViewNumber]
	if !ok {
		changed = make(map[int]*DoViewChange[Q])
		r.didViewChange[dvc.ViewNumber] = changed
	}
	changed[dvc.ReplicaNumber] = dvc

	if len(changed) == r.threshold()+1 {
		r.changeView(dvc.ViewNumber, changed)
		delete(r.didViewChange, dvc.ViewNumber)
	}
}

// changeView makes this replica the primary of viewNumber, starting from the most up to date log of the quorum
func (r *Replica[Q, S]) changeView(viewNumber int, changes map[int]*DoViewChange[Q]) {
	if r.viewNumber != viewNumber {
		panic(fmt.Sprintf("replica %d: changing to view %d while in view %d", r.replicaNumber, viewNumber, r.viewNumber))
	}
	r.normalViewNumber = viewNumber

	senders := make([]int, 0, len(changes))
	for sender := range changes {
		senders = append(senders, sender)
	}
	sort.Ints(senders)

	var best *DoViewChange[Q]
	newCommitNumber := r.commitNumber
	for _, sender := range senders {
		candidate := changes[sender]
		if best == nil || fresher(candidate, best) {
			best = candidate
		}
		newCommitNumber = max(newCommitNumber, candidate.CommitNumber)
	}

	r.replaceLog(best.Log)
	r.opNumber = best.OpNumber
	r.commitAsPrimary(newCommitNumber)

	r.setStatus(Normal)
	r.logger.Infof("[Replica-%d] View changed to %d with op %d and commit %d (log of replica %d)",
		r.replicaNumber, viewNumber, r.opNumber, r.commitNumber, best.ReplicaNumber)

	r.broadcast(NewStartView(viewNumber, r.Log(), r.opNumber, r.commitNumber, r.replicaNumber), false)
}

// fresher orders DoViewChange logs by normal view number, then by op number
func fresher[Q any](a, b *DoViewChange[Q]) bool {
	if a.NormalViewNumber != b.NormalViewNumber {
		return a.NormalViewNumber > b.NormalViewNumber
	}
	return a.OpNumber > b.OpNumber
}

func (r *Replica[Q, S]) onStartView(startView *StartView[Q]) {
	r.sendAck(startView)

	// the group moved on since the recovery started, and the responses of the old view may all lack a primary
	if r.status == Recovering {
		if r.recoveryViewNumber >= 0 && startView.ViewNumber > r.recoveryViewNumber {
			r.uid = uuid.New().String()
			r.startRecovery(startView.ViewNumber)
		}
		return
	}
	if r.viewChangeDone(startView.ViewNumber) {
		return
	}

	r.setView(startView.ViewNumber)
	r.normalViewNumber = startView.ViewNumber
	r.opNumber = startView.OpNumber
	r.replaceLog(startView.Log)

	r.commitAsBackup(startView.CommitNumber)
	for _, request := range r.log[r.commitNumber+1:] {
		r.clientTable.reset(request.ClientID, request.RequestNumber)
	}
	if r.opNumber != r.commitNumber {
		r.send(r.primary(), NewPrepareOk(r.viewNumber, r.opNumber, r.replicaNumber))
	}

	r.setStatus(Normal)
}

// --- recovery ---

func (r *Replica[Q, S]) onRecovery(recovery *Recovery) {
	if r.status != Normal {
		return
	}
	r.sendAck(recovery)

	response := NewRecoveryResponse[Q](r.viewNumber, recovery.UID, r.replicaNumber)
	if r.IsPrimary() {
		opNumber, commitNumber := r.opNumber, r.commitNumber
		response.Log = r.Log()
		response.OpNumber = &opNumber
		response.CommitNumber = &commitNumber
	}
	r.send(recovery.ReplicaNumber, response)
}

func (r *Replica[Q, S]) onRecoveryResponse(response *RecoveryResponse[Q]) {
	r.sendAck(response)

	if r.status != Recovering || response.UID != r.uid {
		return
	}

	r.recovered[response.ReplicaNumber] = response
	if len(r.recovered) >= r.threshold()+1 {
		r.tryFinishRecovering()
	}
}

// tryFinishRecovering adopts the state of the primary of the highest view reported, if that primary has answered.
// Otherwise the replica keeps waiting: the primary's response is retransmitted until acknowledged, and a StartView of a
// newer view starts a fresh attempt.
func (r *Replica[Q, S]) tryFinishRecovering() {
	maxViewNumber := -1
	for _, response := range r.recovered {
		maxViewNumber = max(maxViewNumber, response.ViewNumber)
	}

	var primaryResponse *RecoveryResponse[Q]
	for _, response := range r.recovered {
		if response.ViewNumber == maxViewNumber && response.FromPrimary() {
			primaryResponse = response
			break
		}
	}
	if primaryResponse == nil {
		r.logger.Debugf("[Replica-%d] No response from the primary of view %d yet", r.replicaNumber, maxViewNumber)
		return
	}

	r.setView(primaryResponse.ViewNumber)
	r.normalViewNumber = primaryResponse.ViewNumber
	r.replaceLog(primaryResponse.Log)
	r.opNumber = *primaryResponse.OpNumber
	r.commitAsBackup(*primaryResponse.CommitNumber)
	r.recovered = make(map[int]*RecoveryResponse[Q])
	r.lastPrimaryRequest = r.scheduler.Now()

	r.setStatus(Normal)
	r.logger.Infof("[Replica-%d] Recovered in view %d with op %d and commit %d",
		r.replicaNumber, r.viewNumber, r.opNumber, r.commitNumber)
}

// --- helpers ---

func (r *Replica[Q, S]) setStatus(status Status) {
	if r.status == status {
		return
	}
	from := r.status
	r.status = status
	pubsub.Publish(r.events, pubsub.NewEvent(StatusChangedEvent, StatusChanged{
		ReplicaNumber: r.replicaNumber,
		From:          from,
		To:            status,
		ViewNumber:    r.viewNumber,
	}))
}

func (r *Replica[Q, S]) setView(viewNumber int) {
	if r.viewNumber == viewNumber {
		return
	}
	r.viewNumber = viewNumber
	for view := range r.startedViewChange {
		if view < viewNumber {
			delete(r.startedViewChange, view)
		}
	}
	for view := range r.didViewChange {
		if view < viewNumber {
			delete(r.didViewChange, view)
		}
	}
	pubsub.Publish(r.events, pubsub.NewEvent(ViewChangedEvent, ViewChanged{
		ReplicaNumber: r.replicaNumber,
		ViewNumber:    viewNumber,
		Primary:       r.primary(),
	}))
}

// shouldProcess reports whether a message of viewNumber is meant for this replica in its current role
func (r *Replica[Q, S]) shouldProcess(asPrimary bool, viewNumber int) bool {
	return r.viewNumber == viewNumber && r.IsPrimary() == asPrimary
}

func (r *Replica[Q, S]) broadcast(msg Message, includeSelf bool) {
	for i, channel := range r.channels {
		if !includeSelf && i == r.replicaNumber {
			continue
		}
		channel.Send(msg)
	}
}

func (r *Replica[Q, S]) send(replicaNumber int, msg Message) {
	r.channels[replicaNumber].Send(msg)
}

func (r *Replica[Q, S]) sendAck(msg ReplicaMessage) {
	r.send(msg.Sender(), NewAck(msg.MessageID(), r.replicaNumber))
}

func (r *Replica[Q, S]) primary() int {
	return primaryOf(r.viewNumber, len(r.channels))
}

// threshold returns f
func (r *Replica[Q, S]) threshold() int {
	return faultThreshold(len(r.channels))
}

// --- accessors ---

func (r *Replica[Q, S]) ReplicaNumber() int { return r.replicaNumber }
func (r *Replica[Q, S]) ViewNumber() int    { return r.viewNumber }
func (r *Replica[Q, S]) Status() Status     { return r.status }
func (r *Replica[Q, S]) OpNumber() int      { return r.opNumber }
func (r *Replica[Q, S]) CommitNumber() int  { return r.commitNumber }

// IsPrimary reports whether this replica is the primary of its current view
func (r *Replica[Q, S]) IsPrimary() bool {
	return r.primary() == r.replicaNumber
}

// Log returns a copy of the log
func (r *Replica[Q, S]) Log() []Request[Q] {
	return append([]Request[Q](nil), r.log...)
}
