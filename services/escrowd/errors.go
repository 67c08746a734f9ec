package escrowd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"proofpay/native/bank"
	"proofpay/native/escrow"
)

// errorBody is the JSON envelope for every failed request.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    uint32 `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

var errBadRequest = errors.New("bad request")

// badRequest marks a malformed request that never reached the engine.
type badRequest struct{ msg string }

func (b badRequest) Error() string { return b.msg }
func (b badRequest) Unwrap() error { return errBadRequest }

func invalid(msg string) error { return badRequest{msg: msg} }

// statusForCode maps escrow failure codes to HTTP statuses.
func statusForCode(code escrow.Code) int {
	switch code {
	case escrow.CodeFundNotFound:
		return http.StatusNotFound
	case escrow.CodeUnauthorized:
		return http.StatusForbidden
	case escrow.CodeNotInitialized:
		return http.StatusServiceUnavailable
	case escrow.CodeInvalidAmount, escrow.CodeInvalidConfiguration, escrow.CodeDeadlinePassed:
		return http.StatusBadRequest
	case escrow.CodeInsufficientBalance,
		escrow.CodeDeadlineNotExpired,
		escrow.CodeAlreadyApproved,
		escrow.CodeAlreadyReleased,
		escrow.CodeAlreadyRefunded,
		escrow.CodeInvalidState,
		escrow.CodeAlreadyInitialized,
		escrow.CodeFundExpired,
		escrow.CodeNoProofSubmitted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// describe classifies err for the response and for metrics.
func describe(err error) (int, errorDetail) {
	if escErr, ok := escrow.AsError(err); ok {
		return statusForCode(escErr.Code()), errorDetail{
			Code:    uint32(escErr.Code()),
			Name:    escErr.Name(),
			Message: escErr.Error(),
		}
	}
	if errors.Is(err, bank.ErrInsufficientFunds) {
		// The funder could not cover the deposit.
		return http.StatusConflict, errorDetail{Name: "InsufficientFunds", Message: bank.ErrInsufficientFunds.Error()}
	}
	var bad badRequest
	if errors.As(err, &bad) {
		return http.StatusBadRequest, errorDetail{Name: "BadRequest", Message: bad.msg}
	}
	return http.StatusInternalServerError, errorDetail{Name: "Internal", Message: "internal error"}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	_, detail := describe(err)
	return detail.Name
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := describe(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "reason", detail.Name)
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}
