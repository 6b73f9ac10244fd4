// Package mcp – transport.go provides the StdioTransport that wires an MCP
// Server to an MCP client via line-delimited JSON-RPC 2.0 over stdin/stdout.
//
// Protocol rules (must be followed exactly):
//   - Each JSON-RPC request arrives as a single newline-terminated line on
//     stdin.
//   - Each JSON-RPC response is written as a single newline-terminated line to
//     stdout. Notifications get no response line.
//   - ALL diagnostic output (logging, errors) MUST go to stderr only. Any
//     stray bytes on stdout will corrupt the protocol framing.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// maxLine bounds a single request line.
const maxLine = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from an io.Reader
// and writes responses to an io.Writer.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	log    *zap.Logger
}

// NewStdioTransport constructs a StdioTransport that reads from in and writes
// to out. logger must not write to out; nil disables logging.
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, stderrLogger)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		log:    logger.Named("mcp.stdio"),
	}
}

// Serve processes requests until in is exhausted or ctx is cancelled.
// Requests are handled one at a time in arrival order.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for {
		if err := ctx.Err(); err != nil {
			t.log.Info("context cancelled, shutting down")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.log.Error("stdin scanner error", zap.Error(err))
				return errors.Wrap(err, "stdin scanner")
			}
			t.log.Info("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.log.Error("handler error", zap.Error(err))
			resp = t.internalErrorResponse(line, err)
		}
		if resp == nil {
			continue
		}

		if err := t.writeResponse(resp); err != nil {
			t.log.Error("write error", zap.Error(err))
			return errors.Wrap(err, "write response")
		}
	}
}

// writeResponse writes a single JSON-RPC response line.
func (t *StdioTransport) writeResponse(resp []byte) error {
	_, err := fmt.Fprintf(t.out, "%s\n", resp)
	return err
}

// internalErrorResponse builds a best-effort JSON-RPC error response when the
// server returns an unexpected error. It recovers the request ID from the raw
// request so the client can correlate the response.
func (t *StdioTransport) internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
