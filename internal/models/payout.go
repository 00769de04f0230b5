package models

// ProviderPayout describes a payout of a provider's accumulated balance to
// their bank account, exported as an ISO 20022 credit transfer.
type ProviderPayout struct {
	PayoutID      string  `json:"payout_id"`
	ProviderID    string  `json:"provider_id" validate:"required"`
	BankCode      string  `json:"bank_code" validate:"required,max=11"`
	AccountNumber string  `json:"account_number" validate:"required,max=34"`
	Amount        float64 `json:"amount"` // major units for the wire message
	Currency      string  `json:"currency" validate:"required,len=3"`
	Reference     string  `json:"reference"`
}
