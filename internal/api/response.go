package api

import (
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/attribution"
)

// Response codes of the envelope.
const (
	CodeSuccess     = "0"
	CodeParamError  = "DOS0002"
	CodeNotFound    = "DOS0404"
	CodeNotReady    = "DOS0409"
	CodeSystemError = "DOS5000"
)

// Response is the envelope of every API reply.
type Response struct {
	RespCode string `json:"respCode"`
	RespMsg  string `json:"respMsg"`
	Data     any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{RespCode: CodeSuccess, RespMsg: "success", Data: data})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, Response{RespCode: CodeParamError, RespMsg: msg})
}

// fail maps a service error onto a status and response code. Unclassified
// errors are logged and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case eris.Is(err, attribution.ErrValidation):
		badRequest(w, err.Error())
	case eris.Is(err, attribution.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Response{RespCode: CodeNotFound, RespMsg: err.Error()})
	case eris.Is(err, attribution.ErrNotReady):
		writeJSON(w, http.StatusConflict, Response{RespCode: CodeNotReady, RespMsg: err.Error()})
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Response{RespCode: CodeSystemError, RespMsg: "internal error"})
	}
}
