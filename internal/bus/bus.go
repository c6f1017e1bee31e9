// Package bus connects to NATS for publishing recognition outcomes, and can
// run an embedded NATS server for single-machine setups.
package bus

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the configured servers.
func Connect(urls []string, timeout time.Duration) (*Client, error) {
	if len(urls) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	url := strings.Join(urls, ",")
	conn, err := nats.Connect(url,
		nats.Name("fingerspell"),
		nats.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Printf("Connected to NATS at %s", url)
	return &Client{conn: conn}, nil
}

// Publish sends data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Conn returns the underlying connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn.Close()
	if errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}

// EmbeddedServer is an in-process NATS server.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded starts a NATS server on localhost and waits until it accepts
// connections.
func StartEmbedded(port int) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start within 5 seconds")
	}

	log.Printf("Embedded NATS server listening on %s", ns.ClientURL())
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the URL clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
