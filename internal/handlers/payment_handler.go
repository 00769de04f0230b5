package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/clinicpay/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

// PaymentHandler exposes the payment ledger to the booking, completion and
// cancellation flows. Handlers own the transaction: each request runs one
// ledger operation inside an owned TxContext and publishes its event only
// after the commit has happened.
type PaymentHandler struct {
	service   *services.PaymentService
	events    *services.PaymentEvents
	receipts  *services.ReceiptService
	validator *services.ValidationHelper
}

func NewPaymentHandler(service *services.PaymentService, events *services.PaymentEvents, receipts *services.ReceiptService) *PaymentHandler {
	return &PaymentHandler{
		service:   service,
		events:    events,
		receipts:  receipts,
		validator: services.NewValidationHelper(),
	}
}

// AuthorizePayment reserves the appointment fee at booking time
// @Summary Authorize an appointment payment
// @Description Debit the patient's balance (or record a cash booking) and mark the appointment booked
// @Tags payments
// @Accept json
// @Produce json
// @Param request body object{appointmentId=string,payerId=string,payeeId=string,appointmentType=string,paymentMethod=string,amount=int64} true "Authorization request"
// @Success 201 {object} services.AuthorizeResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /payments/authorize [post]
func (h *PaymentHandler) AuthorizePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppointmentID   string `json:"appointmentId" validate:"required"`
		PayerID         string `json:"payerId" validate:"required"`
		PayeeID         string `json:"payeeId" validate:"required"`
		AppointmentType string `json:"appointmentType" validate:"required,oneof=telemedicine in-person"`
		PaymentMethod   string `json:"paymentMethod" validate:"required,oneof=balance cash"`
		Amount          int64  `json:"amount" validate:"required,gt=0"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.AuthorizePayment(h.service.Owned(), services.AuthorizeParams{
		AppointmentID:   req.AppointmentID,
		PayerID:         req.PayerID,
		PayeeID:         req.PayeeID,
		AppointmentType: req.AppointmentType,
		PaymentMethod:   req.PaymentMethod,
		Amount:          req.Amount,
	})
	if err != nil {
		h.writePaymentError(w, err)
		return
	}

	h.events.Publish(r.Context(), services.EventAuthorized, req.AppointmentID, req.PayerID, req.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

// SettlePayment settles the appointment fee on completion
// @Summary Settle an appointment payment
// @Description Credit the provider for a completed appointment, from the pending entry or as a cash deposit
// @Tags payments
// @Accept json
// @Produce json
// @Param request body object{appointmentId=string,payerId=string,payeeId=string} true "Settlement request"
// @Success 200 {object} services.SettleResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/settle [post]
func (h *PaymentHandler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppointmentID string `json:"appointmentId" validate:"required"`
		PayerID       string `json:"payerId" validate:"required"`
		PayeeID       string `json:"payeeId" validate:"required"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.SettleOnCompletion(h.service.Owned(), req.AppointmentID, req.PayerID, req.PayeeID)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}

	if result.PaymentProcessed {
		h.events.Publish(r.Context(), services.EventSettled, req.AppointmentID, req.PayeeID, 0)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

// RefundPayment reverses a pending payment on cancellation
// @Summary Refund an appointment payment
// @Description Return a pending payment to the patient and cancel the appointment
// @Tags payments
// @Accept json
// @Produce json
// @Param request body object{appointmentId=string,payerId=string,reason=string} true "Refund request"
// @Success 200 {object} services.RefundResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/refund [post]
func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppointmentID string `json:"appointmentId" validate:"required"`
		PayerID       string `json:"payerId" validate:"required"`
		Reason        string `json:"reason" validate:"max=200"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Refund(h.service.Owned(), req.AppointmentID, req.PayerID, req.Reason)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}

	if result.RefundProcessed {
		h.events.Publish(r.Context(), services.EventRefunded, req.AppointmentID, req.PayerID, result.Amount)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

// GetPaymentStatus returns the payment state of an appointment
// @Summary Get payment status
// @Description Read-only join of the appointment's fee and status with its ledger entry
// @Tags payments
// @Produce json
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} models.PaymentStatus
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{appointmentId} [get]
func (h *PaymentHandler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	appointmentID := chi.URLParam(r, "appointmentId")

	status, err := h.service.GetPaymentStatus(appointmentID)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// GenerateReceipt issues a QR receipt for a settled payment
// @Summary Generate payment receipt
// @Description Issue a single-use QR-coded receipt for a settled appointment payment
// @Tags receipts
// @Produce json
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} object{receipt=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{appointmentId}/receipt [post]
func (h *PaymentHandler) GenerateReceipt(w http.ResponseWriter, r *http.Request) {
	appointmentID := chi.URLParam(r, "appointmentId")

	token, qrImage, err := h.receipts.GenerateReceipt(r.Context(), appointmentID)
	if err != nil {
		if errors.Is(err, services.ErrAppointmentNotFound) {
			services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"receipt": token,
		"qrImage": qrImage,
	})
}

// VerifyReceipt resolves a scanned receipt token
// @Summary Verify payment receipt
// @Description Resolve and consume a receipt token scanned at the front desk
// @Tags receipts
// @Accept json
// @Produce json
// @Param request body object{receipt=string} true "Receipt token"
// @Success 200 {object} object{data=object}
// @Failure 400 {object} services.ErrorResponse
// @Router /receipts/verify [post]
func (h *PaymentHandler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Receipt string `json:"receipt" validate:"required"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.receipts.VerifyReceipt(r.Context(), req.Receipt)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    result,
	})
}

// decode reads a single JSON object into dst and validates it, writing the
// error response itself. Returns false when the request was rejected.
func (h *PaymentHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}

func (h *PaymentHandler) writePaymentError(w http.ResponseWriter, err error) {
	var insufficient *services.InsufficientBalanceError
	switch {
	case errors.Is(err, services.ErrAccountNotFound), errors.Is(err, services.ErrAppointmentNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, services.ErrInvalidPaymentMethod), errors.Is(err, services.ErrInvalidAppointmentType):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrDuplicateAuthorization):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.As(err, &insufficient):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "Insufficient balance",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	default:
		log.Printf("[PAYMENT] Operation failed: %v", err)
		services.SendErrorResponse(w, "Failed to process payment", http.StatusInternalServerError, nil)
	}
}
