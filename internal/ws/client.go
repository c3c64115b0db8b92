package ws

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client talks to a marian-server instance over WebSocket. One dial per
// request: send the whole preprocessed batch as a single text message,
// receive the whole decoder output as a single message. The decoder is
// silent while it works, sometimes for minutes, so the connection
// carries no read deadline and no message size limit.
type Client struct {
	URL string // base url, e.g. ws://127.0.0.1:8080
}

func (c *Client) Translate(ctx context.Context, src string) (string, error) {
	url := strings.TrimSuffix(c.URL, "/") + "/translate"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close()

	log.Debug().Str("url", url).Int("bytes", len(src)).Msg("sending batch to decoder server")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(src)); err != nil {
		return "", fmt.Errorf("sending to decoder server: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading from decoder server: %w", err)
	}
	return string(data), nil
}
