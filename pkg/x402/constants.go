package x402

// Version is the x402 protocol version the gateway speaks.
const Version = 1

// Wire headers defined by the x402 specification.
// Reference: https://github.com/coinbase/x402
const (
	// HeaderPayment carries the base64-encoded payment payload on requests.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentRequired carries the base64-encoded payment descriptor on
	// 402 responses.
	HeaderPaymentRequired = "PAYMENT-REQUIRED"

	// HeaderPaymentResponse carries the base64-encoded settlement proof on
	// successful paid responses.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// SchemeExact is the only payment scheme the gateway advertises: an exact
// amount transferred to a fixed payee.
const SchemeExact = "exact"
