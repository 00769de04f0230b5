package models

// Appointment types the ledger distinguishes between. Telemedicine visits
// must be prepaid from balance; in-person visits may also settle in cash.
const (
	TypeTelemedicine = "telemedicine"
	TypeInPerson     = "in-person"
)

// Appointment statuses written by the ledger. Scheduling owns the rest of
// the appointment lifecycle.
const (
	AppointmentBooked    = "booked"
	AppointmentCancelled = "cancelled"
)

// Appointment is the slice of the appointments table the ledger reads and
// writes: the fee and the payment-driven status transitions.
type Appointment struct {
	ID              string `json:"id" db:"id"`
	AppointmentFee  int64  `json:"appointment_fee" db:"appointment_fee"` // in cents
	Status          string `json:"status" db:"status"`
	AppointmentType string `json:"appointment_type" db:"appointment_type"`
}

// PaymentStatus is the read-only join returned by GetPaymentStatus.
type PaymentStatus struct {
	AppointmentID     string `json:"appointment_id"`
	Fee               int64  `json:"fee"`
	AppointmentStatus string `json:"appointment_status"`
	AppointmentType   string `json:"appointment_type"`
	PaymentProcessed  bool   `json:"payment_processed"`
	PaymentStatus     string `json:"payment_status,omitempty"`
	EntryType         string `json:"entry_type,omitempty"`
}
