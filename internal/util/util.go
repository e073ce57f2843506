package util

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// JsonWrite answers 200 with v encoded as JSON.
func JsonWrite(w http.ResponseWriter, v interface{}) {
	JsonWriteStatus(w, http.StatusOK, v)
}

// JsonWriteStatus writes the header before encoding, so an encode failure can
// only be logged.
func JsonWriteStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Str("module", "util").Err(err).Msg("unable to encode json response")
	}
}

// GenUUID returns a random v4 id for cycle and request correlation.
func GenUUID() string {
	return uuid.NewString()
}
