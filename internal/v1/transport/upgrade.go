package transport

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roomkit-dev/roomkit/internal/v1/auth"
)

// Upgrade promotes an HTTP request to a WebSocket connection, enforcing the
// origin allow-list.
func Upgrade(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return auth.ValidateOrigin(r, allowedOrigins) == nil
		},
	}
	return upgrader.Upgrade(w, r, nil)
}
