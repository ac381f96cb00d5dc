package httpapi

import (
	"io"
	"log/slog"

	"github.com/jkaninda/okapi"
)

// handleMCP serves POST /mcp/{collectionId}. The body is raw JSON-RPC; the
// dispatcher owns all protocol error mapping, so the HTTP status is always
// 200 and errors travel in the JSON-RPC envelope.
func (g *Gateway) handleMCP(c *okapi.Context) error {
	collectionID := c.Param("collectionId")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, g.maxRequestSize()))
	if err != nil {
		return c.AbortBadRequest("unreadable request body")
	}

	g.logger.Debug("mcp request",
		slog.String("collection", collectionID),
		slog.Int("body_bytes", len(body)),
	)

	resp := g.dispatcher.Dispatch(c.Context(), collectionID, body)
	return c.OK(resp)
}
