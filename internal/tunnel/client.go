// Package tunnel provides optional remote access without opening inbound
// ports: the daemon dials a relay over WebSocket, wraps the connection in
// a yamux session and serves its HTTP handler across the multiplexed
// streams the relay opens.
package tunnel

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
)

const (
	dialTimeout    = 10 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
	stableDuration = time.Minute
)

// Client keeps one outbound relay connection alive.
type Client struct {
	url     string
	token   string
	handler http.Handler
}

func New(url, token string, handler http.Handler) *Client {
	return &Client{url: url, token: token, handler: handler}
}

// Run dials the relay and serves until ctx is cancelled, reconnecting
// with capped exponential backoff. Blocks; run in a goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		started := time.Now()
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[tunnel] relay connection lost: %v", err)
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(started) >= stableDuration {
			backoff = minBackoff
		}

		log.Printf("[tunnel] reconnecting to %s in %s", c.url, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndServe holds one relay session: WebSocket dial, yamux server
// handshake, then HTTP service over the relay's streams until the
// session dies.
func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var hdr http.Header
	if c.token != "" {
		hdr = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	wsConn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: hdr,
	})
	if err != nil {
		return err
	}

	netConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	// The relay is the yamux client: it opens one stream per browser
	// request, we accept them as an ordinary listener.
	session, err := yamux.Server(netConn, nil)
	if err != nil {
		wsConn.CloseNow()
		return err
	}

	log.Printf("[tunnel] connected to relay %s", c.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	return http.Serve(session, c.handler)
}
