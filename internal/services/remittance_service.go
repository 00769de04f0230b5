package services

import (
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/clinicpay/backend/internal/models"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

// RemittanceService turns a provider's accumulated balance into an ISO
// 20022 payout message for the clinic's bank. The ledger itself is not
// touched; exports are advice documents built from the current balance.
type RemittanceService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewRemittanceService(db *sql.DB) *RemittanceService {
	return &RemittanceService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// ExportRemittance builds a pacs.008 payout message for a provider
// @Summary Export provider payout
// @Description Build an ISO 20022 pacs.008 credit transfer for a provider's accumulated balance
// @Tags remittance
// @Accept json
// @Produce json
// @Param payout body models.ProviderPayout true "Payout details"
// @Success 200 {object} object{status=string,messageType=string,amount=int64,xml=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /remittance/export [post]
func (rs *RemittanceService) ExportRemittance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req models.ProviderPayout
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := rs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	balance, err := rs.providerBalance(req.ProviderID)
	if err == ErrAccountNotFound {
		SendErrorResponse(w, "Provider account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to read provider balance", http.StatusInternalServerError, nil)
		return
	}
	if balance <= 0 {
		SendErrorResponse(w, "Nothing to pay out", http.StatusBadRequest, nil)
		return
	}

	req.PayoutID = uuid.New().String()
	req.Amount = float64(balance) / 100 // cents to major units

	pacs008, err := rs.CreatePacs008(&req)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	xmlData, err := rs.ConvertToXML(pacs008)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":      "exported",
		"messageType": "pacs.008.001.08",
		"payoutId":    req.PayoutID,
		"amount":      balance,
		"xml":         xmlData,
	})
}

// AcknowledgeRemittance reports a payout as accepted for settlement
// @Summary Acknowledge provider payout
// @Description Build and send an ISO 20022 pacs.002 status report for a payout
// @Tags remittance
// @Accept json
// @Produce json
// @Param payout body models.ProviderPayout true "Payout to acknowledge"
// @Success 200 {object} object{status=string,messageType=string}
// @Failure 400 {object} ErrorResponse
// @Router /remittance/acknowledge [post]
func (rs *RemittanceService) AcknowledgeRemittance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req models.ProviderPayout
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := rs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	pacs002, err := rs.CreatePacs002(&req, "ACCP")
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	if err := rs.SendToSettlement(pacs002); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":      "acknowledged",
		"messageType": "pacs.002.001.08",
	})
}

func (rs *RemittanceService) providerBalance(providerID string) (int64, error) {
	var balance int64
	err := rs.db.QueryRow(`
		SELECT balance FROM accounts WHERE id = $1`, providerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (rs *RemittanceService) SendToSettlement(doc interface{}) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: deliver to the clinic's bank once the SFTP drop is provisioned
	fmt.Printf("Sending to settlement: %s\n", string(xmlData))
	return nil
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message
func (rs *RemittanceService) CreatePacs008(payout *models.ProviderPayout) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(payout.Currency),
				Value: payout.Amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(payout.PayoutID)}[0],
					EndToEndId: common.Max35Text(payout.Reference),
					TxId:       &[]common.Max35Text{common.Max35Text(payout.PayoutID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(payout.Currency),
					Value: payout.Amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("CLINICPAY")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("clinicpay")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(payout.BankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(payout.ProviderID)}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 creates a pacs.002 payment status report
func (rs *RemittanceService) CreatePacs002(payout *models.ProviderPayout, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(payout.PayoutID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(payout.Reference)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(payout.PayoutID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0], // ACCP, RJCT, ACSC, etc.
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO 20022 document to an XML string
func (rs *RemittanceService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
