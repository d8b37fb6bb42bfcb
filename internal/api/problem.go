package api

import (
	"encoding/json"
	"net/http"
)

// Problem is the error body returned by every endpoint.
type Problem struct {
	Title      string `json:"title"`
	ID         string `json:"id"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	StatusCode int    `json:"-"`
}

func (p *Problem) Error() string {
	return p.Title
}

func newProblem(r *http.Request, status int, id, title string) *Problem {
	return &Problem{Title: title, ID: id, Instance: r.URL.Path, StatusCode: status}
}

func notFound(r *http.Request, detail string) *Problem {
	p := newProblem(r, http.StatusNotFound, "not_found", "Resource not found")
	p.Detail = detail
	return p
}

func methodNotAllowed(r *http.Request) *Problem {
	return newProblem(r, http.StatusMethodNotAllowed, "method_not_allowed", "Method "+r.Method+" not allowed")
}

func badRequest(r *http.Request, title string) *Problem {
	return newProblem(r, http.StatusBadRequest, "invalid_request", title)
}

func conflict(r *http.Request, id string, err error) *Problem {
	p := newProblem(r, http.StatusConflict, id, "Request conflicts with the evaluation state")
	p.Detail = err.Error()
	return p
}

func unavailable(r *http.Request, detail string) *Problem {
	p := newProblem(r, http.StatusServiceUnavailable, "unavailable", "Service unavailable")
	p.Detail = detail
	return p
}

func serverError(r *http.Request) *Problem {
	return newProblem(r, http.StatusInternalServerError, "server_error", "Unexpected server error. Please try again")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.StatusCode)
	_ = json.NewEncoder(w).Encode(p)
}

func unauthorized(r *http.Request) *Problem {
	return newProblem(r, http.StatusUnauthorized, "unauthorized", "Unauthorized. Please include your operator token")
}

func forbidden(r *http.Request) *Problem {
	return newProblem(r, http.StatusForbidden, "forbidden", "Operator token is invalid")
}

func missingField(r *http.Request, field string) *Problem {
	p := badRequest(r, "Missing required field: "+field)
	p.ID = "missing_parameter"
	p.Detail = "Please include a " + field + " in the request body"
	return p
}
