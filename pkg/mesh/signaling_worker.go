package mesh

import (
	"sync"
	"time"

	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/worker"
	"github.com/sirupsen/logrus"
)

// How long the queue has to stay empty before the send failures are summarized.
const signalingIdleReport = time.Minute

// A message to send and, optionally, a closure told about the outcome.
type outgoingMessage struct {
	msg    signaling.Message
	onSent func(error)
}

// Sends outgoing signaling messages in order without blocking the main loop.
type signalingWorker struct {
	worker *worker.Worker[outgoingMessage]
	logger *logrus.Entry

	// Closed once the worker is being stopped, so that `onSent` closures stop waiting on the loop.
	stopping chan struct{}
	stopOnce sync.Once
}

func newSignalingWorker(gateway signaling.Gateway, idleReport time.Duration, logger *logrus.Entry) *signalingWorker {
	// Only touched by the worker goroutine.
	failures := 0

	workerConfig := worker.Config[outgoingMessage]{
		ChannelSize: 256,
		Timeout:     idleReport,
		OnTimeout: func() {
			if failures > 0 {
				logger.WithField("failures", failures).Warn("some signaling messages could not be sent")
				failures = 0
			}
		},
		OnTask: func(task outgoingMessage) {
			err := gateway.Send(task.msg)
			if err != nil {
				failures++
				logger.WithError(err).WithField("kind", task.msg.Kind).Warn("failed to send signaling message")
			}

			if task.onSent != nil {
				task.onSent(err)
			}
		},
	}

	return &signalingWorker{
		worker:   worker.StartWorker(workerConfig),
		logger:   logger,
		stopping: make(chan struct{}),
	}
}

func (w *signalingWorker) send(msg signaling.Message) {
	w.sendReporting(msg, nil)
}

// Like `send()`, but `onSent` is called from the worker once the gateway accepted or rejected
// the message. If the message cannot even be queued, `onSent` is called right away.
func (w *signalingWorker) sendReporting(msg signaling.Message, onSent func(error)) {
	if err := w.worker.Send(outgoingMessage{msg: msg, onSent: onSent}); err != nil {
		w.logger.WithError(err).WithField("kind", msg.Kind).Error("dropping signaling message, the queue is full")
		if onSent != nil {
			go onSent(err)
		}
	}
}

// Stops the worker once the queued messages are sent.
func (w *signalingWorker) stop() {
	w.stopOnce.Do(func() { close(w.stopping) })
	w.worker.Stop()
	<-w.worker.Done()
}
