package eventbus

import (
	"gridq/internal/queue"
)

// TransitionPublisher adapts the bus to the queue's transition sink. The
// queue invokes the sink under its operation lock, which is fine because
// Publish never blocks.
type TransitionPublisher struct {
	bus Bus
}

func NewTransitionPublisher(bus Bus) *TransitionPublisher {
	return &TransitionPublisher{bus: bus}
}

func (p *TransitionPublisher) JobTransition(queueName string, jobID uint32, from, to queue.Status, kind queue.EventKind) {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Publish(TransitionEvent{
		Queue: queueName,
		JobID: jobID,
		From:  from.String(),
		To:    to.String(),
		Event: kind.String(),
	})
}
