package httpapi

import (
	"net/http"
	"strings"
)

const roleSupervisor = "supervisor"

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func workerIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Worker-ID"))
}

func roleFromRequest(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get("X-Worker-Role")))
}

// requireWorker resolves the acting worker from the body or the X-Worker-ID
// header. Both may be sent but must then agree.
func requireWorker(w http.ResponseWriter, r *http.Request, bodyWorkerID string) (string, bool) {
	bodyWorkerID = strings.TrimSpace(bodyWorkerID)
	headerWorkerID := workerIDFromRequest(r)
	switch {
	case bodyWorkerID == "" && headerWorkerID == "":
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "worker_id is required")
		return "", false
	case bodyWorkerID == "":
		return headerWorkerID, true
	case headerWorkerID != "" && headerWorkerID != bodyWorkerID:
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "worker_id does not match caller")
		return "", false
	default:
		return bodyWorkerID, true
	}
}

func requireSupervisor(w http.ResponseWriter, r *http.Request) bool {
	if roleFromRequest(r) != roleSupervisor {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "supervisor role required")
		return false
	}
	return true
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
