package auth

import "context"

// OtpProvider defines the interface for OTP operations
type OtpProvider interface {
	RequestOTP(ctx context.Context, email, ip, userAgent string) (err error)
	VerifyOTP(ctx context.Context, email, code, ip string) error
}
