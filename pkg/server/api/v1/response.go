package api_v1

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/buildforever/farm/pkg/fault"
)

// History listing default when the client does not pass a limit.
const DefaultHistoryLimit = 30

type ErrorResponse struct {
	Message string     `json:"message"`
	Kind    fault.Kind `json:"kind,omitempty"`
}

func JSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("unable to encode response body: %s", err)
	}
}

// Error renders a fault as JSON with a status code matching its kind.
func Error(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		statusCode = http.StatusBadRequest
	case fault.KindNotFound:
		statusCode = http.StatusNotFound
	case fault.KindConflict:
		statusCode = http.StatusConflict
	case fault.KindConnectivity:
		statusCode = http.StatusBadGateway
	}
	JSON(w, statusCode, ErrorResponse{Message: err.Error(), Kind: fault.KindOf(err)})
}
