// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relayproxy/relay/internal/canonical"
	"github.com/relayproxy/relay/internal/dispatch"
)

// maxRequestBody bounds inbound request reads.
const maxRequestBody = 16 << 20

// MessagesHandler serves POST /v1/messages with canonical-shape bodies.
type MessagesHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func NewMessagesHandler(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *MessagesHandler {
	return &MessagesHandler{dispatcher: dispatcher, logger: logger}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}

	req, ok := decodeCanonical(w, r)
	if !ok {
		return
	}

	if req.Stream {
		h.serveStream(w, r, req)
		return
	}

	outcome, derr := h.dispatcher.Dispatch(r.Context(), req)
	if derr != nil {
		h.logger.Error("dispatch failed", "kind", derr.Kind, "error", derr.Message)
		writeError(w, derr.HTTPStatus(), derr.Kind, derr.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Routed-Provider", outcome.Decision.Provider)
	if err := json.NewEncoder(w).Encode(outcome.Response); err != nil {
		h.logger.Error("write response failed", "error", err)
	}
}

// serveStream passes the upstream SSE body through verbatim. Providers whose
// stream shape is not canonical are downgraded to a batch dispatch.
func (h *MessagesHandler) serveStream(w http.ResponseWriter, r *http.Request, req *canonical.Request) {
	stream, decision, derr := h.dispatcher.DispatchStream(r.Context(), req)
	if derr != nil {
		// Status zero means the request never reached the upstream: the
		// family cannot stream canonically, so serve it as batch instead.
		// A 4xx relayed from the provider is final.
		if derr.Kind == dispatch.KindInvalidRequest && derr.Status == 0 {
			req.Stream = false
			outcome, berr := h.dispatcher.Dispatch(r.Context(), req)
			if berr != nil {
				writeError(w, berr.HTTPStatus(), berr.Kind, berr.Message)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Routed-Provider", outcome.Decision.Provider)
			_ = json.NewEncoder(w).Encode(outcome.Response)
			return
		}
		writeError(w, derr.HTTPStatus(), derr.Kind, derr.Message)
		return
	}
	defer stream.Body.Close()

	contentType := stream.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Routed-Provider", decision.Provider)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return // client went away, drain stops here
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("upstream stream ended early", "provider", stream.Provider, "error", err)
			}
			return
		}
	}
}

func decodeCanonical(w http.ResponseWriter, r *http.Request) (*canonical.Request, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "read request body: "+err.Error())
		return nil, false
	}

	var req canonical.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "parse request body: "+err.Error())
		return nil, false
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return nil, false
	}
	return &req, true
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	})
}
