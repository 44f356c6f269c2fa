// This file provides shared JSON response helpers for the API server.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/NudgePipe/internal/models"
)

// internalErrorBody is the pre-marshaled last-resort body served when encoding
// a real response fails. Marshaling it at startup keeps that path infallible.
var internalErrorBody = mustMarshal(models.Error("internal server error"))

func mustMarshal(resp models.APIResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	return data
}

// writeJSONResponse marshals the response before touching the writer, so
// encoding failures can still change the status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server failed to marshal JSON response", "error", err)
		body = internalErrorBody
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(body); writeErr != nil {
		slog.Error("Server failed to write JSON response", "error", writeErr)
	}
}
