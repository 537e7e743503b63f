package websocket

import (
	"context"
	"sync"

	"github.com/densemesh/densemesh/messages"
	"golang.org/x/net/websocket"
)

// Sender sends an encoded message on a connection and returns the number of
// bytes written.
type Sender func(messages.Msg) (int, error)

// Receiver receives the next message from a connection and returns it with
// its size in bytes.
type Receiver func() (messages.Msg, int, error)

// Send writes a message as one binary WebSocket frame.
func Send(conn *websocket.Conn, msg messages.Msg) (int, error) {
	if err := websocket.Message.Send(conn, msg.Bytes()); err != nil {
		return 0, err
	}
	return msg.Size(), nil
}

// Receive reads the next WebSocket frame and decodes its type.
func Receive(conn *websocket.Conn) (messages.Msg, int, error) {
	var b []byte
	if err := websocket.Message.Receive(conn, &b); err != nil {
		return messages.Msg{}, 0, err
	}

	msg, err := messages.MsgFromBytes(b)
	return msg, len(b), err
}

// Dispatcher takes received messages and schedules their consumption.
type Dispatcher interface {
	// Dispatch schedules a received message.
	Dispatch(context.Context, messages.Msg) error

	// HandleFrame releases the messages held for the current frame.
	HandleFrame()
}

// Consumer exposes the messages to be handled.
type Consumer interface {
	Messages() <-chan messages.Msg
}

const (
	schedulerChanSize   = 512
	schedulerDeferLimit = 4096
)

// Scheduler queues received messages for the handling loop. High-rate data
// messages are held and released on frame boundaries so a chatty client
// cannot starve request handling.
type Scheduler struct {
	msgs chan messages.Msg

	mutex    sync.Mutex
	deferred []messages.Msg

	closeOnce sync.Once
	closed    chan struct{}
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		msgs:   make(chan messages.Msg, schedulerChanSize),
		closed: make(chan struct{}),
	}
}

func (s *Scheduler) Dispatch(ctx context.Context, msg messages.Msg) error {
	if frameScheduled(msg.Type) {
		s.mutex.Lock()
		// Frames are not dispatched before a session is joined. Dropping the
		// oldest data messages bounds memory for clients that never join.
		if len(s.deferred) == schedulerDeferLimit {
			s.deferred = s.deferred[1:]
		}
		s.deferred = append(s.deferred, msg)
		s.mutex.Unlock()
		return nil
	}

	select {
	case s.msgs <- msg:
		return nil
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) HandleFrame() {
	s.mutex.Lock()
	deferred := s.deferred
	s.deferred = nil
	s.mutex.Unlock()

	for i, msg := range deferred {
		select {
		case s.msgs <- msg:
		case <-s.closed:
			return
		default:
			// The consumer is behind. Requeue the rest for the next frame.
			s.mutex.Lock()
			s.deferred = append(deferred[i:], s.deferred...)
			s.mutex.Unlock()
			return
		}
	}
}

func (s *Scheduler) Messages() <-chan messages.Msg {
	return s.msgs
}

func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func frameScheduled(t messages.MsgType) bool {
	switch t {
	case messages.MsgTypeDepthSamples, messages.MsgTypeDirtyCells:
		return true
	}
	return false
}
