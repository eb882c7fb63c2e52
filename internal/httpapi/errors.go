package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/AgentFSorg/agentfs/internal/apierr"
	"github.com/AgentFSorg/agentfs/internal/logger"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders any error as spec §6's {"error":{"code","message"}}
// envelope, opaque for unexpected errors so no internal detail leaks in
// production, keyed off the single typed apierr.Error rather than an HTTP
// status/string pair.
func writeError(w http.ResponseWriter, log *logger.Logger, isProduction bool, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Internal(err)
	}

	if apiErr.Status >= 500 {
		log.Errorf("request failed: %v", apiErr)
	} else if apiErr.Status >= 400 {
		log.Warnf("request denied: %v", apiErr)
	}

	message := apiErr.Message
	if apiErr.Status >= 500 && isProduction {
		message = "Internal error"
	}

	if apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", itoa(apiErr.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Code: apiErr.Code, Message: message}})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
