package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/homespeak/homespeak/pkg/wsconn"
)

// deliverBuffer bounds how many inbound tool requests may be queued before
// further ones are dropped. The backend sends one request at a time in
// practice; the buffer only absorbs dispatch jitter.
const deliverBuffer = 16

// ChannelTransport carries MCP JSON-RPC messages multiplexed on the session
// connection. Inbound payloads are handed over by the protocol client's
// dispatch via [ChannelTransport.Deliver]; outbound messages go through send,
// which wraps them in the {"type":"mcp","payload":...} envelope on the
// session connection.
//
// The transport reconnect-transparently outlives individual sockets: the
// session connection manager re-dials underneath and Deliver keeps feeding
// the same SDK session.
type ChannelTransport struct {
	send func(ctx context.Context, payload json.RawMessage) error
	log  *slog.Logger

	mu       sync.Mutex
	incoming chan jsonrpc.Message
	closed   chan struct{}
	once     sync.Once
}

// NewChannelTransport creates the multiplexed transport. send writes one
// envelope payload to the session connection.
func NewChannelTransport(send func(ctx context.Context, payload json.RawMessage) error) *ChannelTransport {
	return &ChannelTransport{
		send:     send,
		log:      slog.With("component", "mcpgw", "framing", "multiplexed"),
		incoming: make(chan jsonrpc.Message, deliverBuffer),
		closed:   make(chan struct{}),
	}
}

// Deliver feeds one inbound JSON-RPC payload to the SDK session. Malformed
// payloads and overflow beyond the queue bound are dropped with a warning;
// the connection is never torn down over a bad tool request.
func (t *ChannelTransport) Deliver(payload json.RawMessage) {
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		t.log.Warn("dropping malformed tool payload", "error", err)
		return
	}
	select {
	case t.incoming <- msg:
	case <-t.closed:
	default:
		t.log.Warn("dropping tool payload, queue full")
	}
}

// Connect implements [mcp.Transport].
func (t *ChannelTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	return &channelConn{t: t}, nil
}

func (t *ChannelTransport) close() {
	t.once.Do(func() { close(t.closed) })
}

// channelConn is the single connection a ChannelTransport produces.
type channelConn struct {
	t *ChannelTransport
}

func (c *channelConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.t.incoming:
		return msg, nil
	case <-c.t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *channelConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	raw, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("mcpgw: encode response: %w", err)
	}
	if err := c.t.send(ctx, raw); err != nil {
		return fmt.Errorf("mcpgw: send response: %w", err)
	}
	return nil
}

func (c *channelConn) Close() error {
	c.t.close()
	return nil
}

func (c *channelConn) SessionID() string { return "" }

// EndpointTransport carries bare JSON-RPC text frames over a dedicated
// WebSocket link (its own wsconn manager against the configured tool
// endpoint). The link must already be connected when Connect is called.
type EndpointTransport struct {
	link Link
	log  *slog.Logger
}

// Link is the transport surface EndpointTransport needs from the dedicated
// connection manager.
type Link interface {
	Send(ctx context.Context, f wsconn.Frame) error
	Frames() <-chan wsconn.Frame
}

// NewEndpointTransport creates the dedicated-endpoint transport.
func NewEndpointTransport(link Link) *EndpointTransport {
	return &EndpointTransport{
		link: link,
		log:  slog.With("component", "mcpgw", "framing", "dedicated"),
	}
}

// Connect implements [mcp.Transport].
func (t *EndpointTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	return &endpointConn{t: t}, nil
}

type endpointConn struct {
	t *EndpointTransport
}

// Read pulls the next text frame from the dedicated link and decodes it.
// Malformed frames are skipped rather than ending the session.
func (c *endpointConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	for {
		select {
		case f, ok := <-c.t.link.Frames():
			if !ok {
				return nil, io.EOF
			}
			if f.Kind != wsconn.FrameText {
				c.t.log.Warn("dropping non-text frame on tool endpoint")
				continue
			}
			msg, err := jsonrpc.DecodeMessage(f.Data)
			if err != nil {
				c.t.log.Warn("dropping malformed tool frame", "error", err)
				continue
			}
			return msg, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *endpointConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	raw, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("mcpgw: encode response: %w", err)
	}
	if err := c.t.link.Send(ctx, wsconn.Frame{Kind: wsconn.FrameText, Data: raw}); err != nil {
		return fmt.Errorf("mcpgw: send response: %w", err)
	}
	return nil
}

func (c *endpointConn) Close() error { return nil }

func (c *endpointConn) SessionID() string { return "" }
