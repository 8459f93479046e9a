package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS publishes changes as JSON.
//
// Changes are published to:
//
//	{prefix}.{workflow_id}.{task_id}.{lifecycle}
//
// Thread-safety: NATS is safe for concurrent use; *nats.Conn serializes publishes.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// NewNATS creates a publisher on an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	return &NATS{nc: nc, prefix: prefix}
}

// Connect dials url and returns a publisher owning the connection.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("factory"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject a change is published on.
func (n *NATS) Subject(c Change) string {
	return strings.Join([]string{n.prefix, token(c.WorkflowID), token(c.TaskID), token(string(c.To))}, ".")
}

func (n *NATS) Notify(_ context.Context, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := n.nc.Publish(n.Subject(c), data); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Conn returns the underlying connection.
func (n *NATS) Conn() *nats.Conn {
	return n.nc
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}

// ReplyFunc stores an inbound feedback reply.
type ReplyFunc func(ctx context.Context, taskID, body string) error

// RepliesSubject is where task sources post feedback replies:
//
//	{prefix}.replies.{task_id}
func RepliesSubject(prefix string) string {
	return prefix + ".replies.*"
}

// SubscribeReplies forwards every reply posted on RepliesSubject to fn.
// The subscription ends when ctx is done.
func (n *NATS) SubscribeReplies(ctx context.Context, fn ReplyFunc) (*nats.Subscription, error) {
	root := n.prefix + ".replies."
	sub, err := n.nc.Subscribe(RepliesSubject(n.prefix), func(msg *nats.Msg) {
		taskID := strings.TrimPrefix(msg.Subject, root)
		if err := fn(ctx, taskID, string(msg.Data)); err != nil {
			slog.Warn("store reply failed", "task_id", taskID, "error", err)
			return
		}
		if msg.Reply != "" {
			_ = msg.Respond([]byte("ok"))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe replies: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
