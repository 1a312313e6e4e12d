// Package vnpay implements the VNPAY redirect gateway contract: building
// signed payment URLs and verifying the signed parameters VNPAY sends back on
// the browser return and the IPN call.
//
// The signature is HMAC-SHA512 over a canonical query string. Keys and values
// are percent-encoded the way JavaScript's encodeURIComponent does it, keys
// are sorted by their encoded form, and encoded spaces become '+'. Any other
// encoding produces hashes the gateway will not accept.
package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ParamSecureHash     = "vnp_SecureHash"
	ParamSecureHashType = "vnp_SecureHashType"

	Version  = "2.1.0"
	Command  = "pay"
	CurrCode = "VND"

	// ResponseSuccess is the only vnp_ResponseCode that means the buyer paid.
	ResponseSuccess = "00"

	dateLayout = "20060102150405"
)

// IPN acknowledgement codes returned to the gateway.
const (
	IPNConfirmSuccess   = "00"
	IPNOrderNotFound    = "01"
	IPNAlreadyConfirmed = "02"
	IPNInvalidAmount    = "04"
	IPNInvalidSignature = "97"
	IPNUnknownError     = "99"
)

var (
	ErrMissingParam  = errors.New("vnpay: missing parameter")
	ErrInvalidAmount = errors.New("vnpay: invalid amount")
)

// vietnam is the gateway's wall clock (UTC+7, no DST).
var vietnam = time.FixedZone("ICT", 7*60*60)

// Canonical returns the string that is signed: every parameter except the
// hash fields, encoded, sorted by encoded key and joined without further
// encoding.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	values := make(map[string]string, len(params))
	for k, v := range params {
		if k == ParamSecureHash || k == ParamSecureHashType {
			continue
		}
		ek := encodeURIComponent(k)
		keys = append(keys, ek)
		values[ek] = strings.ReplaceAll(encodeURIComponent(v), "%20", "+")
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
	}
	return b.String()
}

// Sign returns the lower-case hex HMAC-SHA512 of Canonical(params).
func Sign(params map[string]string, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether vnp_SecureHash matches the recomputed signature.
// The comparison is constant time and ignores hex case.
func Verify(params map[string]string, secret string) bool {
	got, ok := params[ParamSecureHash]
	if !ok || got == "" {
		return false
	}
	gotRaw, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hmac.Equal(gotRaw, mac.Sum(nil))
}

// FromValues flattens a parsed query string, keeping the first value per key.
func FromValues(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k, vs := range v {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func encodeURIComponent(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// Callback is the typed view of a return or IPN parameter set.
type Callback struct {
	TxnRef            string
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	BankCode          string
	PayDate           string
	// Amount is in VND; the wire value is VND x 100.
	Amount decimal.Decimal
}

func (c *Callback) Succeeded() bool { return c.ResponseCode == ResponseSuccess }

func ParseCallback(params map[string]string) (*Callback, error) {
	cb := &Callback{
		TxnRef:            params["vnp_TxnRef"],
		ResponseCode:      params["vnp_ResponseCode"],
		TransactionStatus: params["vnp_TransactionStatus"],
		TransactionNo:     params["vnp_TransactionNo"],
		BankCode:          params["vnp_BankCode"],
		PayDate:           params["vnp_PayDate"],
	}
	if cb.TxnRef == "" {
		return nil, fmt.Errorf("%w: vnp_TxnRef", ErrMissingParam)
	}
	if cb.ResponseCode == "" {
		return nil, fmt.Errorf("%w: vnp_ResponseCode", ErrMissingParam)
	}
	raw, ok := params["vnp_Amount"]
	if !ok {
		return nil, fmt.Errorf("%w: vnp_Amount", ErrMissingParam)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	cb.Amount = decimal.New(n, -2)
	return cb, nil
}

type Config struct {
	TmnCode     string
	HashSecret  string
	PayURL      string
	ReturnURL   string
	Locale      string
	OrderType   string
	ExpireAfter time.Duration
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

type PaymentRequest struct {
	TxnRef    string
	OrderInfo string
	// Amount is in VND.
	Amount   decimal.Decimal
	ClientIP string
	BankCode string
}

// PaymentURL returns the signed gateway URL the buyer is redirected to.
func (c *Client) PaymentURL(req PaymentRequest, now time.Time) (string, error) {
	if req.TxnRef == "" {
		return "", fmt.Errorf("%w: txn ref", ErrMissingParam)
	}
	if !req.Amount.IsPositive() {
		return "", fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	local := now.In(vietnam)
	params := map[string]string{
		"vnp_Version":    Version,
		"vnp_Command":    Command,
		"vnp_TmnCode":    c.cfg.TmnCode,
		"vnp_Locale":     c.cfg.Locale,
		"vnp_CurrCode":   CurrCode,
		"vnp_TxnRef":     req.TxnRef,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  c.cfg.OrderType,
		"vnp_Amount":     req.Amount.Mul(decimal.NewFromInt(100)).Round(0).String(),
		"vnp_ReturnUrl":  c.cfg.ReturnURL,
		"vnp_IpAddr":     req.ClientIP,
		"vnp_CreateDate": local.Format(dateLayout),
	}
	if c.cfg.ExpireAfter > 0 {
		params["vnp_ExpireDate"] = local.Add(c.cfg.ExpireAfter).Format(dateLayout)
	}
	if req.BankCode != "" {
		params["vnp_BankCode"] = req.BankCode
	}
	return c.cfg.PayURL + "?" + Canonical(params) + "&" + ParamSecureHash + "=" + Sign(params, c.cfg.HashSecret), nil
}

func (c *Client) Verify(params map[string]string) bool {
	return Verify(params, c.cfg.HashSecret)
}
