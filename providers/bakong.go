package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BakongProvider implements PaymentGateway with locally encoded KHQR payloads
// and the Bakong open API for settlement lookups.
type BakongProvider struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewBakongProvider creates a new BakongProvider.
func NewBakongProvider(baseURL, token string, timeout time.Duration) *BakongProvider {
	return &BakongProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ---- Bakong API request/response structs ----

type bakongCheckRequest struct {
	MD5 string `json:"md5"`
}

type bakongTransaction struct {
	Hash          string  `json:"hash"`
	FromAccountID string  `json:"fromAccountId"`
	ToAccountID   string  `json:"toAccountId"`
	TransactionID string  `json:"transactionId"`
	ExternalRef   string  `json:"externalRef"`
	Currency      string  `json:"currency"`
	Amount        float64 `json:"amount"`
}

type bakongCheckResponse struct {
	ResponseCode    *int               `json:"responseCode"`
	ResponseMessage string             `json:"responseMessage"`
	ErrorCode       *int               `json:"errorCode"`
	Data            *bakongTransaction `json:"data"`
}

// GenerateQR encodes the KHQR locally; no network call is made.
func (b *BakongProvider) GenerateQR(_ context.Context, req QRRequest) (QRResult, error) {
	qr, err := EncodeKHQR(req)
	if err != nil {
		return QRResult{}, fmt.Errorf("bakong GenerateQR: %w", err)
	}
	return QRResult{QR: qr, MD5: FingerprintQR(qr)}, nil
}

// CheckTransaction asks Bakong whether a transfer for md5 has been made.
func (b *BakongProvider) CheckTransaction(ctx context.Context, md5 string) (TransactionStatus, error) {
	var resp bakongCheckResponse
	if err := b.doRequest(ctx, http.MethodPost, "/check_transaction_by_md5", bakongCheckRequest{MD5: md5}, &resp); err != nil {
		return TransactionStatus{}, fmt.Errorf("bakong CheckTransaction: %w", err)
	}
	if resp.ResponseCode == nil {
		return TransactionStatus{}, fmt.Errorf("bakong CheckTransaction: response has no responseCode")
	}

	status := TransactionStatus{Message: resp.ResponseMessage}
	if *resp.ResponseCode != 0 || resp.Data == nil || resp.Data.Hash == "" {
		return status, nil
	}

	status.Settled = true
	status.Hash = resp.Data.Hash
	status.FromAccountID = resp.Data.FromAccountID
	status.ToAccountID = resp.Data.ToAccountID
	status.TransactionID = resp.Data.TransactionID
	status.ExternalRef = resp.Data.ExternalRef
	status.Amount = resp.Data.Amount
	status.Currency = resp.Data.Currency
	return status, nil
}

// ---- HTTP helper ----

func (b *BakongProvider) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bakong API error (status %d): %s", resp.StatusCode, string(respBytes))
	}

	if out != nil {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
