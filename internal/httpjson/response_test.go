package httpjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shopmesh/orderflow/internal/domain"
)

func TestStatusFor(t *testing.T) {
	tCases := []struct {
		err  error
		code int
	}{
		{domain.NewValidationError("quantity", "must be positive"), http.StatusBadRequest},
		{fmt.Errorf("order 9: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrInsufficientFunds, http.StatusConflict},
		{domain.ErrInsufficientStock, http.StatusConflict},
		{fmt.Errorf("ledger: %w", domain.ErrUnavailable), http.StatusServiceUnavailable},
		{domain.ErrUnauthentic, http.StatusUnauthorized},
		{fmt.Errorf("refund: %w", domain.ErrForbidden), http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tCase := range tCases {
		require.Equal(t, tCase.code, StatusFor(tCase.err), tCase.err.Error())
	}
}

func TestFromError(t *testing.T) {
	t.Run("validation details", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FromError(rec, nil, domain.NewValidationError("status_id", "cancellation is only allowed from Processing"))

		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "error", body["status"])
		require.Equal(t, "validation failed", body["message"])
		require.Equal(t, []any{"status_id: cancellation is only allowed from Processing"}, body["errors"])
	})

	t.Run("internal errors are masked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		FromError(rec, nil, errors.New("pq: connection refused"))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.JSONEq(t, `{"status":"error","message":"internal server error"}`, rec.Body.String())
	})
}

func TestSuccessAndOK(t *testing.T) {
	rec := httptest.NewRecorder()
	Success(rec, nil, http.StatusCreated, Envelope{"order_id": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"status":"success","order_id":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	OK(rec, nil, http.StatusOK, nil)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
