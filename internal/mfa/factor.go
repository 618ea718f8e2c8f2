package mfa

import "github.com/careops/medstock-auth/internal/authfail"

// Factor is the closed set of second-factor types. Dispatch over it is an
// exhaustive switch; adding a factor is a compile-visible change.
type Factor int

const (
	FactorUnknown Factor = iota
	FactorTOTP
	FactorEmailOTP
	FactorBackupCode
)

func (f Factor) String() string {
	switch f {
	case FactorTOTP:
		return "totp"
	case FactorEmailOTP:
		return "email_otp"
	case FactorBackupCode:
		return "backup_code"
	default:
		return "unknown"
	}
}

// ParseFactor maps the wire value onto the closed set.
func ParseFactor(s string) (Factor, error) {
	switch s {
	case "totp":
		return FactorTOTP, nil
	case "email_otp":
		return FactorEmailOTP, nil
	case "backup_code":
		return FactorBackupCode, nil
	default:
		return FactorUnknown, authfail.InvalidSecondFactor()
	}
}
