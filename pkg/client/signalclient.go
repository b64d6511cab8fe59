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

package client

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/meshrelay/pkg/auth"
	"github.com/livekit/meshrelay/pkg/logger"
	"github.com/livekit/meshrelay/pkg/signalling"
)

const (
	defaultDialTimeout = 10 * time.Second
	closeWriteTimeout  = time.Second
)

var ErrUnexpectedWelcome = errors.New("first relay message was not a welcome")

// SignalRelay is the participant side of the relay connection.
type SignalRelay interface {
	SendMessage(msg *signalling.Message) error
	Close() error
}

// SignalClient is a websocket connection to the relay.
type SignalClient struct {
	conn    *websocket.Conn
	logger  logger.Logger
	welcome *signalling.Message

	writeLock sync.Mutex
	closed    core.Fuse
}

// Dial connects to the relay and waits for the welcome. A rejected token is
// reported as auth.ErrUnauthorized.
func Dial(ctx context.Context, relayURL, token string, l logger.Logger) (*SignalClient, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDialTimeout)
	}
	_ = conn.SetReadDeadline(deadline)

	welcome, err := readMessage(conn)
	if err != nil {
		_ = conn.Close()
		if websocket.IsCloseError(err, signalling.CloseUnauthorized) {
			return nil, errors.Wrap(auth.ErrUnauthorized, "relay rejected token")
		}
		return nil, err
	}
	if welcome.Type != signalling.MessageTypeWelcome {
		_ = conn.Close()
		return nil, errors.Wrap(ErrUnexpectedWelcome, string(welcome.Type))
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &SignalClient{
		conn:    conn,
		logger:  l.WithValues("connectionID", welcome.ConnectionID),
		welcome: welcome,
	}, nil
}

func readMessage(conn *websocket.Conn) (*signalling.Message, error) {
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return signalling.Decode(payload)
}

func (c *SignalClient) Welcome() *signalling.Message {
	return c.welcome
}

// Start runs the read loop in its own goroutine. onClose is called once when
// the connection goes away, with nil after a local Close.
func (c *SignalClient) Start(onMessage func(msg *signalling.Message), onClose func(err error)) {
	go c.readWorker(onMessage, onClose)
}

func (c *SignalClient) readWorker(onMessage func(msg *signalling.Message), onClose func(err error)) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.IsBroken() {
				err = nil
			}
			if onClose != nil {
				onClose(err)
			}
			return
		}

		msg, err := signalling.Decode(payload)
		if err == nil {
			err = signalling.ValidateResponse(msg)
		}
		if err != nil {
			c.logger.Warnw("dropping invalid relay message", err)
			continue
		}
		onMessage(msg)
	}
}

func (c *SignalClient) SendMessage(msg *signalling.Message) error {
	if c.closed.IsBroken() {
		return ErrTransportClosed
	}
	payload, err := signalling.Encode(msg)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *SignalClient) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()

	c.writeLock.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	c.writeLock.Unlock()
	return c.conn.Close()
}
