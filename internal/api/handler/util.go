package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ayo6706/sharded-wallet/internal/api/middleware"
	"github.com/ayo6706/sharded-wallet/internal/api/problem"
	"github.com/ayo6706/sharded-wallet/internal/domain"
	"github.com/ayo6706/sharded-wallet/internal/service"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string, opts ...problem.Option) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message, opts...)
}

func requestActor(r *http.Request) (service.Actor, error) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return service.Actor{}, errors.New("missing actor in auth context")
	}
	return actor, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON body", domain.ErrInvalidPayload)
	}
	return nil
}

// respondServiceError maps ledger errors onto problem documents.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, problemType, detail := classify(err)
	var opts []problem.Option
	var saga *domain.SagaFailure
	if errors.As(err, &saga) {
		opts = append(opts, problem.WithSagaID(saga.SagaID.String()))
	}
	switch {
	case status == http.StatusServiceUnavailable:
		opts = append(opts, problem.WithRetryAfter(1))
	case errors.Is(err, domain.ErrSagaInProgress):
		opts = append(opts, problem.WithRetryAfter(5))
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", middleware.TraceIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
	RespondError(w, r, status, problemType, detail, opts...)
}

func classify(err error) (int, string, string) {
	var saga *domain.SagaFailure
	switch {
	case errors.As(err, &saga) && !saga.Compensated():
		return http.StatusInternalServerError, "saga/compensation-failed",
			fmt.Sprintf("transfer %s failed and could not be reversed; support has been notified", saga.SagaID)
	case errors.As(err, &saga):
		return http.StatusBadGateway, "saga/credit-failed",
			fmt.Sprintf("transfer %s could not be delivered; your balance was restored", saga.SagaID)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "auth/invalid-credentials", err.Error()
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "request/validation-failed", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "resource/not-found", err.Error()
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "ledger/insufficient-funds", err.Error()
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency/key-conflict", err.Error()
	case errors.Is(err, domain.ErrSagaInProgress):
		return http.StatusConflict, "saga/in-progress", err.Error()
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "resource/conflict", err.Error()
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable, "ledger/lock-timeout", "the account is busy, retry shortly"
	default:
		return http.StatusInternalServerError, "internal-server-error", "unexpected server error"
	}
}
