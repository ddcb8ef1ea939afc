// internal/control/http.go
package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/ingestor/pkg/logger"
)

// Routes mounts POST /control/{command} and GET /control/status.
func Routes(ctl Controller, log *logger.Logger) func(mux *http.ServeMux) {
	log = log.Named("control-http")
	return func(mux *http.ServeMux) {
		mux.HandleFunc("GET /control/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, ctl.Status())
		})
		mux.HandleFunc("POST /control/{command}", func(w http.ResponseWriter, r *http.Request) {
			cmd, err := ParseCommand(r.PathValue("command"))
			if err != nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			log.WithContext(r.Context()).Info("control command", zap.String("command", string(cmd)), zap.String("via", "http"))
			if err := Dispatch(r.Context(), ctl, cmd); err != nil {
				log.WithContext(r.Context()).Error("control command failed", zap.String("command", string(cmd)), zap.Error(err))
				code := http.StatusInternalServerError
				if errors.Is(err, ErrUnknownCommand) {
					code = http.StatusBadRequest
				}
				writeJSON(w, code, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, ctl.Status())
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
