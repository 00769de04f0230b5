package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

const receiptTTL = 24 * time.Hour

// ReceiptService issues QR-coded receipts for settled appointment payments.
// The receipt token lives in Redis for a day so front-desk staff can verify
// a printed receipt against the ledger; verification consumes the token.
type ReceiptService struct {
	db       *sql.DB
	redis    *redis.Client
	payments *PaymentService
}

func NewReceiptService(db *sql.DB, redisClient *redis.Client) *ReceiptService {
	return &ReceiptService{
		db:       db,
		redis:    redisClient,
		payments: NewPaymentService(db),
	}
}

// GenerateReceipt returns the receipt token and its QR image (base64 PNG)
// for an appointment whose payment has settled.
func (s *ReceiptService) GenerateReceipt(ctx context.Context, appointmentID string) (string, string, error) {
	status, err := s.payments.GetPaymentStatus(appointmentID)
	if err != nil {
		return "", "", err
	}
	if !status.PaymentProcessed {
		return "", "", fmt.Errorf("appointment %s has no settled payment", appointmentID)
	}

	receiptData := map[string]any{
		"appointmentId": appointmentID,
		"fee":           status.Fee,
		"paymentStatus": status.PaymentStatus,
		"issuedAt":      time.Now().Unix(),
		"nonce":         s.generateNonce(),
	}

	jsonData, err := json.Marshal(receiptData)
	if err != nil {
		return "", "", err
	}

	token := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("receipt:%s", token)
	if err := s.redis.Set(ctx, key, string(jsonData), receiptTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return token, qrImage, nil
}

// VerifyReceipt resolves a scanned receipt token. Tokens are single-use.
func (s *ReceiptService) VerifyReceipt(ctx context.Context, token string) (map[string]any, error) {
	key := fmt.Sprintf("receipt:%s", token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired receipt")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return result, nil
}

func (s *ReceiptService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
