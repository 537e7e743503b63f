package websocket

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/densemesh/densemesh/messages"
	"golang.org/x/net/websocket"
)

// MsgFilter reports whether a received message is the one a scenario step
// waits for. Non-matching messages are skipped.
type MsgFilter func(messages.Msg) bool

// MsgHandler inspects a matched message.
type MsgHandler func(messages.Msg) error

// Scenario chains send and receive steps over a client connection. It is a
// test helper for exercising handlers through a real websocket.
type Scenario struct {
	conn  *websocket.Conn
	steps []func(context.Context) error
}

func NewScenario(conn *websocket.Conn) *Scenario {
	return &Scenario{conn: conn}
}

// Send appends a step that encodes and sends the given wire struct.
func (s *Scenario) Send(newMsg func() any) *Scenario {
	s.steps = append(s.steps, func(ctx context.Context) error {
		msg, err := messages.MsgFrom(newMsg())
		if err != nil {
			return errors.New("encoding scenario message failed").Wrap(err)
		}

		if _, err := Send(s.conn, msg); err != nil {
			return errors.New("sending scenario message failed").Wrap(err)
		}
		return nil
	})
	return s
}

// Receive appends a step that reads messages until one passes every filter,
// then runs the handlers on it. Messages that fail a filter are discarded.
func (s *Scenario) Receive(filter MsgFilter, v ...any) *Scenario {
	filters := []MsgFilter{filter}
	var handlers []MsgHandler

	for _, item := range v {
		switch item := item.(type) {
		case MsgFilter:
			filters = append(filters, item)

		case func(messages.Msg) bool:
			filters = append(filters, item)

		case MsgHandler:
			handlers = append(handlers, item)

		case func(messages.Msg) error:
			handlers = append(handlers, item)
		}
	}

	s.steps = append(s.steps, func(ctx context.Context) error {
		if deadline, ok := ctx.Deadline(); ok {
			s.conn.SetReadDeadline(deadline)
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			msg, _, err := Receive(s.conn)
			if err != nil {
				return errors.New("receiving scenario message failed").Wrap(err)
			}

			matched := true
			for _, f := range filters {
				if !f(msg) {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}

			for _, h := range handlers {
				if err := h(msg); err != nil {
					return err
				}
			}
			return nil
		}
	})
	return s
}

// Run executes the steps in order, stopping at the first error.
func (s *Scenario) Run(ctx context.Context) error {
	for _, step := range s.steps {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func FilterByType(t messages.MsgType) MsgFilter {
	return func(msg messages.Msg) bool {
		return msg.Type == t
	}
}

func FilterByRequestID(id uint32) MsgFilter {
	return func(msg messages.Msg) bool {
		var res messages.Response
		if err := msg.DataTo(&res); err != nil {
			return false
		}
		return res.RequestID == id
	}
}
