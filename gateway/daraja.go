package gateway

import (
	"encoding/base64"
	"time"

	"github.com/harmonymwirigi/patabasefiti-payments/transaction"
)

// Daraja endpoint paths.
const (
	pathOAuth    = "/oauth/v1/generate?grant_type=client_credentials"
	pathSTKPush  = "/mpesa/stkpush/v1/processrequest"
	pathSTKQuery = "/mpesa/stkpushquery/v1/query"
)

// timestampLayout is the Daraja timestamp format (local Nairobi time in
// production; UTC is accepted by the sandbox).
const timestampLayout = "20060102150405"

// errCodeProcessing is the Daraja error code for "the transaction is being
// processed": the query was understood but there is no result yet. It maps
// to a low-confidence unknown outcome, not to a failure.
const errCodeProcessing = "500.001.1001"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// stkPassword builds the base64(shortcode + passkey + timestamp) credential
// the STK endpoints require.
func stkPassword(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

func darajaTimestamp(now time.Time) string {
	return now.UTC().Format(timestampLayout)
}

// resultCodeDescriptions names the Daraja result codes seen in practice.
// Unlisted non-zero codes are still treated as definitive failures; the
// gateway's ResultDesc is preferred when present.
var resultCodeDescriptions = map[string]string{
	"0":    "the service request is processed successfully",
	"1":    "the balance is insufficient for the transaction",
	"1032": "request cancelled by user",
	"1037": "timeout in completing transaction",
	"2001": "the initiator information is invalid",
}

// MapResultCode converts a Daraja result code to a state-machine outcome.
// Code "0" is success; every other definitive code is a failure. Both are
// high confidence because the gateway committed to an answer. The ingestion
// pipeline shares this mapping for callback result codes.
func MapResultCode(code, desc string) (transaction.Outcome, transaction.Confidence, string) {
	if desc == "" {
		desc = resultCodeDescriptions[code]
	}

	if code == "0" {
		return transaction.OutcomeSuccess, transaction.ConfidenceHigh, desc
	}

	return transaction.OutcomeFailure, transaction.ConfidenceHigh, desc
}
