package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// writeJSONResponse encodes response before touching the writer, so an
// encoding failure still yields a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: marshal failed", "error", err)
		body, statusCode = internalErrorBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: write failed", "error", err)
	}
}
