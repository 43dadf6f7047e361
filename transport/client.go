package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("transport closed")

const writeTimeout = 10 * time.Second

// DefaultBackOff retries dialing for up to 30s.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Client is one websocket connection to a relay.
type Client struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to url, retrying with policy until it succeeds, the policy
// gives up or ctx is done. A non-empty token is sent as a bearer token.
func Dial(ctx context.Context, url string, token string, policy backoff.BackOff) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	var conn *websocket.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt += 1
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			glog.Infof("[t]dial %s attempt %d error = %s\n", url, attempt, err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	return &Client{
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

func (c *Client) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	glog.V(2).Infof("[ts]%s %s ops=%d ids=%d\n", msg.ProjectID, msg.Type, len(msg.Ops), len(msg.IDs))
	return nil
}

// Run reads messages until the connection fails, ctx is done or Close is
// called, passing each to handle on the reading goroutine.
func (c *Client) Run(ctx context.Context, handle func(Message)) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrClosed
			default:
			}
			c.Close()
			return fmt.Errorf("receive: %w", err)
		}
		glog.V(2).Infof("[tr]%s %s ops=%d ids=%d\n", msg.ProjectID, msg.Type, len(msg.Ops), len(msg.IDs))
		handle(msg)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
