// Package worker implements a single mesh participant: the control-channel
// client, the cooperative execution runtime, and the composition root.
// Grounded on the teacher's internal/worker package, re-platformed from a
// gRPC bidirectional stream onto a gorilla/websocket JSON control channel
// per spec.md §6.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/artemis/taskmesh/internal/config"
	"github.com/artemis/taskmesh/internal/observability"
	"github.com/artemis/taskmesh/internal/wire"
)

// Backoff bounds for reconnect attempts. Grounded on the teacher's
// connectWithRetry exponential-doubling-up-to-max pattern in
// worker/connector.go.
const (
	initialReconnectInterval = 1 * time.Second
	maxReconnectInterval     = 30 * time.Second
)

// CommandHandler processes one decoded inbound envelope. Implemented by
// Worker; declared here so Connector never needs to import the concrete
// Worker type, only this narrow interface.
type CommandHandler interface {
	HandleEnvelope(env *wire.Envelope)
}

// Connector owns the websocket connection to the coordinator: dialing with
// retry, the registration handshake, the heartbeat loop, and the receive
// loop. Grounded directly on the teacher's worker/connector.go Connector —
// same field shape (mu, connected, ctx/cancel, heartbeatInterval), same
// connect/reconnect/heartbeatLoop/receiveLoop structure — re-platformed
// from a gRPC bidi stream + protobuf commands onto a websocket connection
// carrying wire.Envelope JSON frames.
type Connector struct {
	cfg     *config.Config
	logger  *observability.Logger
	handler CommandHandler

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	nodeID    string
	sendMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	statsFn func() (cpuUsage, memUsage float64)
}

// NewConnector builds a Connector for the given coordinator URL.
func NewConnector(cfg *config.Config, logger *observability.Logger, handler CommandHandler, statsFn func() (cpuUsage, memUsage float64)) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		statsFn: statsFn,
	}
}

// Connect dials the coordinator, retrying with exponential backoff until it
// succeeds or the connector is stopped.
func (c *Connector) Connect() error {
	return c.connectWithRetry()
}

func (c *Connector) connectWithRetry() error {
	interval := initialReconnectInterval
	for {
		err := c.dial()
		if err == nil {
			return nil
		}

		if c.logger != nil {
			c.logger.Warn("failed to connect to coordinator, retrying",
				zap.String("error", observability.RedactString(err.Error())), zap.Duration("retry_in", interval))
		}

		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-time.After(interval):
		}

		interval *= 2
		if interval > maxReconnectInterval {
			interval = maxReconnectInterval
		}
	}
}

func (c *Connector) dial() error {
	u, err := url.Parse(c.cfg.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("parse coordinator url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.register(); err != nil {
		conn.Close()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return err
	}

	go c.heartbeatLoop()
	go c.receiveLoop()

	return nil
}

func (c *Connector) register() error {
	nodeID := c.cfg.WorkerID
	if nodeID == "" {
		nodeID = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	c.mu.Lock()
	c.nodeID = nodeID
	c.mu.Unlock()

	env, err := wire.NewEnvelope(wire.EventNodeRegister, map[string]interface{}{
		"nodeId":  nodeID,
		"name":    c.cfg.WorkerName,
		"role":    "worker",
		"address": nodeID,
	})
	if err != nil {
		return fmt.Errorf("build node:register envelope: %w", err)
	}
	return c.send(env)
}

// NodeID returns this worker's registered node id.
func (c *Connector) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// IsConnected reports whether the control channel connection is live.
func (c *Connector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Disconnect closes the connection and stops all of the connector's
// goroutines.
func (c *Connector) Disconnect() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
}

func (c *Connector) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Connector) sendHeartbeat() {
	env, err := wire.NewEnvelope(wire.EventNodeHeartbeat, map[string]interface{}{"nodeId": c.NodeID()})
	if err == nil {
		_ = c.send(env)
	}

	if c.statsFn == nil {
		return
	}
	cpuUsage, memUsage := c.statsFn()
	statsEnv, err := wire.NewEnvelope(wire.EventNodeStats, map[string]interface{}{
		"nodeId": c.NodeID(), "cpuUsage": cpuUsage, "memoryUsage": memUsage,
	})
	if err == nil {
		_ = c.send(statsEnv)
	}
}

func (c *Connector) receiveLoop() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		env, err := wire.DecodeEnvelope(message)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("dropping malformed control channel frame", zap.Error(err))
			}
			continue
		}

		c.handler.HandleEnvelope(env)
	}
}

func (c *Connector) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("disconnected from coordinator, reconnecting", zap.Error(err))
	}

	select {
	case <-c.ctx.Done():
		return
	default:
	}

	if err := c.connectWithRetry(); err != nil && c.logger != nil {
		c.logger.Error("failed to reconnect to coordinator", zap.Error(err))
	}
}

// Send encodes and transmits env over the control channel.
func (c *Connector) Send(env *wire.Envelope) error {
	return c.send(env)
}

func (c *Connector) send(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}
