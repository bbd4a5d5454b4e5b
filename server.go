package gocapnweb

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wireproto/capnweb/internal/logging"
	"github.com/wireproto/capnweb/internal/rpcerr"
	"github.com/wireproto/capnweb/internal/wire"
)

// encodeProtocolAbort frames the single top-level reject a whole-batch
// protocol violation produces.
func encodeProtocolAbort(err *rpcerr.Error) ([]byte, error) {
	var buf bytes.Buffer
	if encErr := wire.EncodeAnswers(&buf, []wire.Answer{{ResultID: 0, Err: err}}); encErr != nil {
		return nil, encErr
	}
	return buf.Bytes(), nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // transport-level origin policy is out of scope for the core
	},
}

// SetupRpcEndpoint wires an HTTP POST batch endpoint and a WebSocket
// endpoint at path against reg, using cfg's body-size and pipeline-depth
// bounds. A text frame on the WebSocket maps 1:1 to a batch body with
// identical semantics to the HTTP endpoint.
func SetupRpcEndpoint(e *echo.Echo, path string, reg *Registry, cfg *Config) {
	e.GET(path, func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logging.Op().Error("websocket upgrade failed", "error", err)
			return err
		}
		defer conn.Close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logging.Op().Warn("websocket read error", "error", err)
				}
				return nil
			}

			response, runErr := runBatch(c.Request().Context(), reg, cfg, message)
			if runErr != nil {
				logging.Op().Error("batch evaluation failed", "error", runErr)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
				logging.Op().Error("websocket write failed", "error", err)
				return nil
			}
		}
	})

	e.POST(path, func(c echo.Context) error {
		c.Response().Header().Set("Content-Type", "application/x-ndjson")
		defer c.Request().Body.Close()

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, cfg.MaxBodyBytes+1))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "error reading request body")
		}
		if int64(len(body)) > cfg.MaxBodyBytes {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "batch body exceeds max_body_bytes")
		}

		response, runErr := runBatch(c.Request().Context(), reg, cfg, body)
		if runErr != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "error encoding batch response")
		}
		return c.Blob(http.StatusOK, "application/x-ndjson", response)
	})
}

// runBatch intakes and evaluates one batch body, returning the framed
// response. Every intake failure, a line that fails to parse included,
// still produces a 200-worthy response: a single top-level protocol
// reject. The HTTP handler answers non-200 only for transport-level
// failures (an unreadable or oversized body, or a response that cannot be
// encoded).
func runBatch(ctx context.Context, reg *Registry, cfg *Config, body []byte) ([]byte, error) {
	batch := NewBatch(reg, cfg.MaxPipelineDepth)
	if abortErr := batch.Intake(body, int(cfg.MaxBodyBytes)); abortErr != nil {
		return encodeProtocolAbort(abortErr)
	}

	dispatchCtx := ctx
	if cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, cfg.DispatchTimeout*4)
		defer cancel()
	}
	return batch.Run(dispatchCtx)
}

// SetupHealthEndpoint registers the liveness endpoint the test harness
// consults before sending batches.
func SetupHealthEndpoint(e *echo.Echo, path string) {
	e.GET(path, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

// SetupEchoServer creates an Echo instance with the ambient middleware
// stack every endpoint in this server shares.
func SetupEchoServer() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.HideBanner = true
	return e
}
