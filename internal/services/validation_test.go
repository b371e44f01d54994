package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type holdRequestFixture struct {
	PayerID     string  `validate:"required"`
	PayeeID     string  `validate:"required,nefield=PayerID"`
	GrossAmount float64 `validate:"required,gt=0"`
	BookingID   string  `validate:"required"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid hold request", func(t *testing.T) {
		valid := holdRequestFixture{
			PayerID:     "client-1",
			PayeeID:     "tasker-1",
			GrossAmount: 100.00,
			BookingID:   "booking-1",
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("missing fields and non-positive amount", func(t *testing.T) {
		invalid := holdRequestFixture{
			PayerID:     "client-1",
			GrossAmount: -5,
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3) // PayeeID, GrossAmount, BookingID
	})

	t.Run("payer and payee must differ", func(t *testing.T) {
		invalid := holdRequestFixture{
			PayerID:     "client-1",
			PayeeID:     "client-1",
			GrossAmount: 100.00,
			BookingID:   "booking-1",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "PayeeID", validationErrors[0].Field())
		assert.Equal(t, "nefield", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Failed to settle escrow", http.StatusServiceUnavailable, nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Failed to settle escrow", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation details", func(t *testing.T) {
		vh := NewValidationHelper()
		invalid := holdRequestFixture{
			PayerID:     "client-1",
			GrossAmount: -5,
		}

		validationErr := vh.ValidateStruct(&invalid)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "PayeeID")
		assert.Contains(t, response.Details, "GrossAmount")
		assert.Contains(t, response.Details, "BookingID")
	})

	t.Run("conflict error", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Escrow already closed", http.StatusConflict, nil)

		assert.Equal(t, http.StatusConflict, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Escrow already closed", response.Error)
	})
}
