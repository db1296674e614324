package channel

import (
	"errors"
	"sync"
)

var ErrSinkSealed = errors.New("the sink is sealed")

// A message posted by a producer along with its identity.
type Message[SenderType comparable, MessageType any] struct {
	Sender  SenderType
	Content MessageType
}

// Posts messages of a single producer (a peer link) into a channel shared with other
// producers and read by one consumer (the coordinator loop). Each message is stamped with
// the sender given at creation, a producer can't speak for anybody else.
//
// The shared channel is never closed by the sink. Sealing only cuts this producer off.
type SinkWithSender[SenderType comparable, MessageType any] struct {
	sender      SenderType
	messageSink chan<- Message[SenderType, MessageType]
	sealed      chan struct{}
	sealOnce    sync.Once
}

func NewSink[S comparable, M any](sender S, messageSink chan<- Message[S, M]) *SinkWithSender[S, M] {
	return &SinkWithSender[S, M]{
		sender:      sender,
		messageSink: messageSink,
		sealed:      make(chan struct{}),
	}
}

// Blocks until the consumer takes the message or the sink is sealed.
func (s *SinkWithSender[S, M]) Send(message M) error {
	if s.Sealed() {
		return ErrSinkSealed
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case s.messageSink <- Message[S, M]{Sender: s.sender, Content: message}:
		return nil
	}
}

// Every `Send()` after this fails with `ErrSinkSealed`. A send that races with the seal may
// still get through, so the consumer has to tolerate messages from senders it already dropped.
func (s *SinkWithSender[S, M]) Seal() {
	s.sealOnce.Do(func() { close(s.sealed) })
}

func (s *SinkWithSender[S, M]) Sealed() bool {
	select {
	case <-s.sealed:
		return true
	default:
		return false
	}
}
