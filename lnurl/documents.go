package lnurl

// PayRequestTag is the tag value identifying an LNURL-Pay offer
// document.
const PayRequestTag = "payRequest"

// PayRequest is the LNURL-Pay offer document returned to a payer.
type PayRequest struct {
	// Callback is the URL the payer requests the invoice from.
	Callback string `json:"callback"`

	// MaxSendable is the largest amount, in millisatoshi, the payer
	// may request.
	MaxSendable uint64 `json:"maxSendable"`

	// MinSendable is the smallest amount, in millisatoshi, the payer
	// may request.
	MinSendable uint64 `json:"minSendable"`

	// Tag is always PayRequestTag.
	Tag string `json:"tag"`

	// Metadata is the metadata array string whose SHA-256 the payer
	// verifies against the invoice's description hash.
	Metadata string `json:"metadata"`

	// CommentAllowed, if non-zero, is the maximum comment length the
	// payer may attach to the invoice request.
	CommentAllowed uint64 `json:"commentAllowed,omitempty"`
}

// PayResponse is the LNURL-Pay invoice document returned to a payer.
type PayResponse struct {
	// Pr is the BOLT-11 payment request.
	Pr string `json:"pr"`

	// Routes is always present and always empty.
	Routes []struct{} `json:"routes"`
}

// ErrorResponse is the LNURL error document.
type ErrorResponse struct {
	// Status is always "ERROR".
	Status string `json:"status"`

	// Reason is a human readable failure description.
	Reason string `json:"reason"`
}

// NewErrorResponse creates an LNURL error document with the given
// reason.
func NewErrorResponse(reason string) *ErrorResponse {
	return &ErrorResponse{
		Status: "ERROR",
		Reason: reason,
	}
}
