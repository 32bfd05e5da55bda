package handlers

import (
	"net/http"
	"time"
)

// HealthCheck always answers, authenticated or not; clients poll it to
// detect a daemon restart.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}
