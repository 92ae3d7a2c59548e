package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/protocol"
)

// Client is a one-shot daemon connection for CLI commands: dial, auth, one
// request, one paired reply.
type Client struct {
	conn *websocket.Conn
	cfg  config.Config
}

func Dial(cfg config.Config, token string) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: "127.0.0.1:" + strconv.Itoa(cfg.Port), Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable on port %d: %w", cfg.Port, err)
	}
	c := &Client{conn: conn, cfg: cfg}

	if err := c.send(protocol.TypeAuth, protocol.AuthPayload{Token: token}); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	msg, err := c.await(protocol.TypeAuthResult)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	result, err := protocol.DecodePayload[protocol.AuthResultPayload](msg)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	if !result.Success {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("authentication rejected; run `ccremote token` to print the current token")
	}
	return c, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// await reads until a message with one of the wanted tags arrives, skipping
// unrelated broadcasts. An error message aborts the wait.
func (c *Client) await(wanted ...string) (protocol.Message, error) {
	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Message{}, err
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, fmt.Errorf("await reply: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Type == protocol.TypeError {
			payload, _ := protocol.DecodePayload[protocol.ErrorPayload](msg)
			return protocol.Message{}, fmt.Errorf("%s", payload.Message)
		}
		for _, tag := range wanted {
			if msg.Type == tag {
				return msg, nil
			}
		}
	}
}

// Request sends one message and waits for the paired reply.
func (c *Client) Request(msgType string, payload any, replyTypes ...string) (protocol.Message, error) {
	if err := c.send(msgType, payload); err != nil {
		return protocol.Message{}, err
	}
	return c.await(replyTypes...)
}
