package network

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// NewWSDialer returns a websocket dialer with the same dial and TLS limits
// the service uses for every outbound connection.
func NewWSDialer(handshakeTimeout time.Duration) *websocket.Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		NetDialContext:    (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		HandshakeTimeout:  handshakeTimeout,
		ReadBufferSize:    1 << 14,
		WriteBufferSize:   1 << 12,
		EnableCompression: true,
	}
}
