package common

import "context"

// Close codes used by the feed. Codes 4000-4999 are private to the application.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Handler receives the lifecycle callbacks of one connection. Callbacks are
// delivered from the connection's read goroutine, in order, and OnClose is
// always the last one.
type Handler interface {
	OnOpen(conn Conn)
	OnMessage(payload []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Conn is a live market data connection.
type Conn interface {
	// Send writes v as a JSON text frame.
	Send(v any) error
	// Close starts a closing handshake with code and reason. OnClose follows.
	Close(code int, reason string) error
}

// Dialer opens connections. Connect blocks until the handshake finishes,
// calls h.OnOpen and then starts delivering messages to h.
type Dialer interface {
	Connect(ctx context.Context, url string, h Handler) (Conn, error)
}

// SubscribeRequest is the control message for subscribe and unsubscribe.
type SubscribeRequest struct {
	Event      string   `json:"event"`
	Feed       string   `json:"feed"`
	ProductIDs []string `json:"product_ids"`
}

func Subscribe(feed, market string) SubscribeRequest {
	return SubscribeRequest{Event: "subscribe", Feed: feed, ProductIDs: []string{market}}
}

func Unsubscribe(feed, market string) SubscribeRequest {
	return SubscribeRequest{Event: "unsubscribe", Feed: feed, ProductIDs: []string{market}}
}
