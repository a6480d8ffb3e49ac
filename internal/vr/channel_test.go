package vr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vr-replication/internal/scheduling"
)

type recordingSender struct {
	sent []Message
}

func (s *recordingSender) Send(msg Message) {
	s.sent = append(s.sent, msg)
}

type countingMetrics struct {
	nopMetrics
	retransmits int
	requests    int
	latencies   []time.Duration
}

func (m *countingMetrics) RecordRetransmit() { m.retransmits++ }
func (m *countingMetrics) RecordRequest()    { m.requests++ }
func (m *countingMetrics) RecordRequestLatency(latency time.Duration) {
	m.latencies = append(m.latencies, latency)
}

func TestChannel_Send(t *testing.T) {
	t.Run("retransmits until acknowledged", func(t *testing.T) {
		scheduler := scheduling.NewVirtualScheduler()
		sender := &recordingSender{}
		metrics := &countingMetrics{}
		channel := NewChannel(sender, scheduler, WithChannelMetrics(metrics))

		prepareOk := NewPrepareOk(0, 0, 1)
		channel.Send(prepareOk)
		require.Len(t, sender.sent, 1)
		assert.Equal(t, 1, channel.InFlight())

		scheduler.Advance(DefaultRetransmitTimeout - time.Millisecond)
		assert.Len(t, sender.sent, 1)

		scheduler.Advance(time.Millisecond)
		assert.Len(t, sender.sent, 2)
		scheduler.Advance(DefaultRetransmitTimeout)
		assert.Len(t, sender.sent, 3)
		assert.Same(t, prepareOk, sender.sent[2])
		assert.Equal(t, 2, metrics.retransmits)

		channel.Acknowledged(prepareOk.ID)
		assert.True(t, channel.IsEmpty())
		scheduler.Advance(10 * DefaultRetransmitTimeout)
		assert.Len(t, sender.sent, 3)
	})

	t.Run("acks and commits are sent once", func(t *testing.T) {
		scheduler := scheduling.NewVirtualScheduler()
		sender := &recordingSender{}
		channel := NewChannel(sender, scheduler)

		channel.Send(NewAck("some-id", 0))
		channel.Send(NewCommit(0, 3, 0))
		assert.True(t, channel.IsEmpty())

		scheduler.Advance(10 * DefaultRetransmitTimeout)
		assert.Len(t, sender.sent, 2)
		assert.Equal(t, 0, scheduler.Pending())
	})

	t.Run("custom retransmit timeout", func(t *testing.T) {
		scheduler := scheduling.NewVirtualScheduler()
		sender := &recordingSender{}
		channel := NewChannel(sender, scheduler, WithRetransmitTimeout(100*time.Millisecond))

		channel.Send(NewStartViewChange(1, 2))
		scheduler.Advance(100 * time.Millisecond)
		assert.Len(t, sender.sent, 2)
	})
}

func TestChannel_Acknowledged(t *testing.T) {
	scheduler := scheduling.NewVirtualScheduler()
	channel := NewChannel(&recordingSender{}, scheduler)

	first := NewPrepareOk(0, 0, 1)
	second := NewPrepareOk(0, 1, 1)
	channel.Send(first)
	channel.Send(second)
	assert.Equal(t, 2, channel.InFlight())

	channel.Acknowledged("unknown")
	assert.Equal(t, 2, channel.InFlight())

	channel.Acknowledged(first.ID)
	channel.Acknowledged(first.ID)
	assert.Equal(t, 1, channel.InFlight())
	assert.False(t, channel.IsEmpty())

	channel.Acknowledged(second.ID)
	assert.True(t, channel.IsEmpty())
}
