package bus

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NatsBus connects multiple splitgill instances through a NATS server.
type NatsBus struct {
	conn *nats.Conn
}

func NewNats(url string) (*NatsBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NatsBus{conn: conn}, nil
}

func (n *NatsBus) Publish(subject string, payload []byte) error {
	return n.conn.Publish(subject, payload)
}

func (n *NatsBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(ch)
	}()
	return ch, nil
}

func (n *NatsBus) Close() {
	n.conn.Close()
}
