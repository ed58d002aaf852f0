// Package broadcast notifies the realtime gateway about queue changes and new
// events so connected clients can refresh.
package broadcast

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a broadcast client. An empty URL yields a no-op client.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// QueueUpdatedRequest is the request body for queue-change notifications.
type QueueUpdatedRequest struct {
	ConversationID string `json:"conversation_id"`
}

// PushEventRequest is the request body for event fan-out.
type PushEventRequest struct {
	ConversationID string                 `json:"conversation_id"`
	Event          map[string]interface{} `json:"event"`
}

// PushResponse is the response for both notification calls.
type PushResponse struct {
	OK bool `json:"ok"`
}

// NotifyQueueUpdated tells the gateway a conversation's scheduling state may
// have changed.
func (c *Client) NotifyQueueUpdated(ctx context.Context, conversationID string) error {
	if c.addr == "" {
		return nil
	}

	req := &QueueUpdatedRequest{ConversationID: conversationID}
	var resp PushResponse
	if err := c.call(ctx, "Broadcast.NotifyQueueUpdated", req, &resp); err != nil {
		return fmt.Errorf("failed to notify queue update: %w", err)
	}
	if !resp.OK {
		log.Warn().Str("conversation_id", conversationID).Msg("broadcast rpc returned ok=false")
		return fmt.Errorf("broadcast rpc returned ok=false")
	}
	return nil
}

// PushEvent forwards a conversation event to the gateway.
func (c *Client) PushEvent(ctx context.Context, conversationID string, event map[string]interface{}) error {
	if c.addr == "" {
		return nil
	}

	req := &PushEventRequest{ConversationID: conversationID, Event: event}
	var resp PushResponse
	if err := c.call(ctx, "Broadcast.PushEvent", req, &resp); err != nil {
		return fmt.Errorf("failed to push event: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("broadcast rpc returned ok=false")
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
