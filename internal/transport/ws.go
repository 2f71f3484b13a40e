package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades requests and runs the listening side of the
// handshake over binary websocket messages, one frame per message.
func (h *Hub) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.cfg.HandshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade")
			return
		}
		if _, err := h.accept(newWSConn(ws, h.cfg.Limits)); err != nil {
			h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake")
		}
	})
}

// DialWebSocket connects to a hub's websocket endpoint, for example
// "ws://host:7400/sync", with the same retry policy as Dial.
func (h *Hub) DialWebSocket(ctx context.Context, rawURL string) (PeerID, error) {
	return h.connect(ctx, rawURL, func(ctx context.Context) (frameConn, error) {
		if err := h.cfg.ValidateClientTransport(); err != nil {
			return nil, err
		}
		dialer := websocket.Dialer{HandshakeTimeout: h.cfg.HandshakeTimeout}
		if h.cfg.TLS.Enabled {
			addr, err := hostPort(rawURL)
			if err != nil {
				return nil, err
			}
			tlsCfg, err := h.cfg.ClientTLSConfig(addr)
			if err != nil {
				return nil, err
			}
			dialer.TLSClientConfig = tlsCfg
		}
		ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWSConn(ws, h.cfg.Limits), nil
	})
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
