package providers

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// EMVCo / KHQR tags.
const (
	tagPayloadFormat   = "00"
	tagPointOfInit     = "01"
	tagIndividualAcct  = "29"
	tagMerchantCatCode = "52"
	tagCurrency        = "53"
	tagAmount          = "54"
	tagCountry         = "58"
	tagMerchantName    = "59"
	tagMerchantCity    = "60"
	tagTimestamp       = "99"
	tagCRC             = "63"
)

const (
	currencyCodeKHR = "116"
	currencyCodeUSD = "840"

	maxMerchantName = 25
	maxMerchantCity = 15
)

// EncodeKHQR builds a dynamic individual KHQR payload. The trailing CRC covers
// every preceding byte including the "6304" tag and length.
func EncodeKHQR(req QRRequest) (string, error) {
	if req.AccountID == "" {
		return "", fmt.Errorf("khqr: account id is required")
	}
	if req.Amount <= 0 {
		return "", fmt.Errorf("khqr: amount must be positive")
	}

	currencyCode, amount, err := formatAmount(req.Amount, req.Currency)
	if err != nil {
		return "", err
	}

	account, err := tlv("00", req.AccountID)
	if err != nil {
		return "", err
	}
	created, err := tlv("00", strconv.FormatInt(req.CreatedAt.UnixMilli(), 10))
	if err != nil {
		return "", err
	}
	expires, err := tlv("01", strconv.FormatInt(req.ExpiresAt.UnixMilli(), 10))
	if err != nil {
		return "", err
	}

	fields := [][2]string{
		{tagPayloadFormat, "01"},
		{tagPointOfInit, "12"},
		{tagIndividualAcct, account},
		{tagMerchantCatCode, "5999"},
		{tagCurrency, currencyCode},
		{tagAmount, amount},
		{tagCountry, "KH"},
		{tagMerchantName, truncate(req.MerchantName, maxMerchantName)},
		{tagMerchantCity, truncate(req.MerchantCity, maxMerchantCity)},
		{tagTimestamp, created + expires},
	}

	var b strings.Builder
	for _, f := range fields {
		s, err := tlv(f[0], f[1])
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	b.WriteString(tagCRC + "04")
	b.WriteString(fmt.Sprintf("%04X", crc16CCITT([]byte(b.String()))))
	return b.String(), nil
}

// FingerprintQR is the md5 the gateway indexes transactions by.
func FingerprintQR(qr string) string {
	sum := md5.Sum([]byte(qr))
	return hex.EncodeToString(sum[:])
}

func formatAmount(amount float64, currency string) (code, value string, err error) {
	d := decimal.NewFromFloat(amount)
	switch strings.ToUpper(currency) {
	case "", "KHR":
		return currencyCodeKHR, d.Round(0).String(), nil
	case "USD":
		return currencyCodeUSD, d.Round(2).String(), nil
	default:
		return "", "", fmt.Errorf("khqr: unsupported currency %q", currency)
	}
}

func tlv(tag, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("khqr: tag %s has empty value", tag)
	}
	if len(value) > 99 {
		return "", fmt.Errorf("khqr: tag %s value longer than 99 bytes", tag)
	}
	return fmt.Sprintf("%s%02d%s", tag, len(value), value), nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// crc16CCITT is CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
