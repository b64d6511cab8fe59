// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/meshrelay/pkg/config"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
	"github.com/livekit/meshrelay/pkg/utils"
)

const (
	CloseUnauthorized = signalling.CloseUnauthorized

	closeReasonUnauthorized = "Unauthorized"
	closeWriteTimeout       = time.Second
)

// WSSignalConnection is one relay socket. Reads happen on the caller's
// goroutine, writes go through a bounded outbound queue drained by a writer
// goroutine so that fan-out never blocks on a slow socket.
type WSSignalConnection struct {
	conn   *websocket.Conn
	conf   config.SignalConfig
	logger logger.Logger
	drops  utils.CountedLogger

	outbound chan *signalling.Message
	// serializes data frames with control frames
	writeLock sync.Mutex
	closed    core.Fuse
	closeOnce sync.Once
}

func NewWSSignalConnection(conn *websocket.Conn, conf config.SignalConfig, l logger.Logger) *WSSignalConnection {
	if conf.OutboundBuffer <= 0 {
		conf.OutboundBuffer = config.DefaultConfig.Signal.OutboundBuffer
	}
	if conf.PingInterval <= 0 {
		conf.PingInterval = config.DefaultConfig.Signal.PingInterval
	}
	if conf.PingTimeout <= 0 {
		conf.PingTimeout = config.DefaultConfig.Signal.PingTimeout
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = config.DefaultConfig.Signal.WriteTimeout
	}

	c := &WSSignalConnection{
		conn:     conn,
		conf:     conf,
		logger:   l,
		drops:    utils.NewExponentialLogger(l, zapcore.WarnLevel, utils.ExponentialLoggerParams{Base: 10}),
		outbound: make(chan *signalling.Message, conf.OutboundBuffer),
	}

	if conf.MaxMessageSize > 0 {
		conn.SetReadLimit(conf.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
	})

	go c.writeWorker()
	go c.pingWorker()
	return c
}

// a peer is considered gone after missing two pings
func (c *WSSignalConnection) readTimeout() time.Duration {
	return 2*c.conf.PingInterval + c.conf.PingTimeout
}

// ReadMessage blocks for the next message. An error wrapping
// signalling.ErrProtocolViolation leaves the connection usable, any other
// error is terminal.
func (c *WSSignalConnection) ReadMessage() (*signalling.Message, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			// any traffic counts as liveness
			_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
			return signalling.Decode(payload)
		default:
			c.logger.Debugw("unsupported message", "message", messageType)
		}
	}
}

// SendMessage queues msg for delivery. It never blocks.
func (c *WSSignalConnection) SendMessage(msg *signalling.Message) error {
	if c.closed.IsBroken() {
		return ErrConnectionClosed
	}
	select {
	case c.outbound <- msg:
		return nil
	default:
		c.drops.ErrorLog("dropping outbound message", ErrOutboundQueueFull, "type", msg.Type)
		return ErrOutboundQueueFull
	}
}

// Close sends a close frame with code and reason and tears down the socket.
// Messages still queued are discarded.
func (c *WSSignalConnection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Break()

		c.writeLock.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(closeWriteTimeout),
		)
		c.writeLock.Unlock()

		_ = c.conn.Close()
	})
}

func (c *WSSignalConnection) Done() <-chan struct{} {
	return c.closed.Watch()
}

func (c *WSSignalConnection) writeWorker() {
	for {
		select {
		case <-c.closed.Watch():
			return
		case msg := <-c.outbound:
			if err := c.write(msg); err != nil {
				if !IsWebSocketCloseError(err) {
					c.logger.Warnw("could not write to socket", err, "type", msg.Type)
				}
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *WSSignalConnection) write(msg *signalling.Message) error {
	payload, err := signalling.Encode(msg)
	if err != nil {
		// a bad message should not take the connection down
		c.logger.Warnw("could not encode message", err, "type", msg.Type)
		return nil
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.conf.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			c.writeLock.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(c.conf.PingTimeout))
			c.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
