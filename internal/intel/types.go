package intel

// IndicatorType classifies a piece of extracted evidence.
type IndicatorType int

const (
	TypeUnspecified IndicatorType = iota
	TypePhone
	TypePaymentHandle
	TypeBankAccount
	TypeEmail
	TypeRoutingCode
	TypeLink
	TypeCryptoWallet
	TypeVerificationCode
)

// String returns the snake_case type name (used for events and reports).
func (t IndicatorType) String() string {
	switch t {
	case TypePhone:
		return "phone"
	case TypePaymentHandle:
		return "payment_handle"
	case TypeBankAccount:
		return "bank_account"
	case TypeEmail:
		return "email"
	case TypeRoutingCode:
		return "routing_code"
	case TypeLink:
		return "link"
	case TypeCryptoWallet:
		return "crypto_wallet"
	case TypeVerificationCode:
		return "verification_code"
	default:
		return "unspecified"
	}
}

// ParseType maps a snake_case type name back to its IndicatorType.
// Unknown names return TypeUnspecified.
func ParseType(s string) IndicatorType {
	switch s {
	case "phone":
		return TypePhone
	case "payment_handle":
		return TypePaymentHandle
	case "bank_account":
		return TypeBankAccount
	case "email":
		return TypeEmail
	case "routing_code":
		return TypeRoutingCode
	case "link":
		return TypeLink
	case "crypto_wallet":
		return TypeCryptoWallet
	case "verification_code":
		return TypeVerificationCode
	default:
		return TypeUnspecified
	}
}

// Numeric reports whether values of this type normalize by stripping
// non-alphanumerics (account numbers, phone numbers, codes) rather than
// by lowercase+trim.
func (t IndicatorType) Numeric() bool {
	switch t {
	case TypePhone, TypeBankAccount, TypeRoutingCode, TypeVerificationCode:
		return true
	}
	return false
}

// Source tags where a candidate came from.
type Source string

const (
	SourceContextLabeled  Source = "context-labeled"
	SourceGenericFallback Source = "generic-fallback"
	SourceLLM             Source = "llm"
)

// Candidate is one typed indicator sighting proposed by a matcher.
type Candidate struct {
	Type            IndicatorType
	Value           string
	Source          Source
	ConfidenceDelta float64
}
