package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relayproxy/relay/internal/dispatch"
	"github.com/relayproxy/relay/internal/translate"
)

// ResponsesHandler serves POST /v1/responses, mapping the alternate input
// shape onto the canonical pipeline.
type ResponsesHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func NewResponsesHandler(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *ResponsesHandler {
	return &ResponsesHandler{dispatcher: dispatcher, logger: logger}
}

func (h *ResponsesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request", "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "read request body: "+err.Error())
		return
	}

	var shim translate.ResponsesRequest
	if err := json.Unmarshal(body, &shim); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "parse request body: "+err.Error())
		return
	}

	req, err := translate.FromResponsesRequest(&shim)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, translate.ErrNoValidMessages) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, "invalid_request", err.Error())
		return
	}

	// The shim has no canonical-SSE story; always dispatch batch.
	req.Stream = false

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
