package forward

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgeproxy/edgeproxy/internal/backend"
	"github.com/edgeproxy/edgeproxy/internal/configstore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const dialTimeout = 10 * time.Second

// serveUpgrade implements the §4.8 WebSocket upgrade handler: admit via the
// long-lived guard (already done by the caller), complete the client-side
// upgrade, dial the backend, then pump frames bidirectionally until either
// side closes or errors.
func (e *Engine) serveUpgrade(w http.ResponseWriter, r *http.Request, bundle *configstore.Bundle, group, userAddress, requestID string) {
	b, guard := bundle.Pool.Select(group)
	if b == nil {
		http.Error(w, "no backend available", http.StatusServiceUnavailable)
		return
	}
	defer guard.Release()
	if bundle.Admission != nil && userAddress != "" {
		e.reportLongLived(bundle, userAddress)
		defer func() {
			bundle.Admission.Qos.Close(userAddress)
			e.reportLongLived(bundle, userAddress)
		}()
	}

	backendURL := backendWSURL(b, r)

	dialCtx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	defer cancel()

	backendHeaders := http.Header{}
	backendHeaders.Set("X-Request-Id", requestID)
	backendConn, _, err := websocket.DefaultDialer.DialContext(dialCtx, backendURL, backendHeaders)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	ctx, cancelPumps := context.WithCancel(r.Context())
	defer cancelPumps()

	errCh := make(chan error, 2)
	go pump(ctx, clientConn, backendConn, errCh)
	go pump(ctx, backendConn, clientConn, errCh)

	<-errCh
	cancelPumps()
}

// pump copies frames from src to dst until an error, a close frame, or ctx
// cancellation. Close codes and reasons are preserved across the relay.
func pump(ctx context.Context, src, dst *websocket.Conn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		default:
		}

		msgType, data, err := src.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
					time.Now().Add(time.Second))
			}
			errCh <- err
			return
		}

		if err := dst.WriteMessage(msgType, data); err != nil {
			errCh <- err
			return
		}
	}
}

func backendWSURL(b *backend.Backend, r *http.Request) string {
	wsScheme := "ws"
	if b.BaseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	u := url.URL{Scheme: wsScheme, Host: b.BaseURL.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	return u.String()
}
