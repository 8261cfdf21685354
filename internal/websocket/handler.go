package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// Handle upgrades the request and streams events to it until the peer goes
// away. originPatterns restricts browser origins; empty allows same-host only.
// The entity and license query parameters narrow the stream, see ParseFilter.
func Handle(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.CloseNow()

		filter := ParseFilter(r.URL.Query())
		logger.Debug("event listener filter", "entities", len(filter.Entities), "license", filter.License)
		NewClient(hub, conn, filter).Run(r.Context())
	}
}
