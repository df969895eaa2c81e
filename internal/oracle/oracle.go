// Package oracle defines the external verdict capability used for face
// matching, behavioral monitoring and forensic watermark extraction, together
// with a remote client, a deterministic simulator and the fail-open /
// fail-closed policy wrapper that binds them.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// FaceMatch is the verdict of a face-identity comparison.
type FaceMatch struct {
	Matched    bool    `json:"matched"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Suspicion is the verdict of a behavioral frame check.
type Suspicion struct {
	Suspicious bool   `json:"suspicious"`
	Type       string `json:"type"`
	Details    string `json:"details"`
}

// ForensicReport is the result of watermark extraction from a leaked image.
type ForensicReport struct {
	SetterID       string  `json:"setterId"`
	Email          string  `json:"email"`
	Timestamp      string  `json:"timestamp"`
	DeviceInfo     string  `json:"deviceInfo"`
	LeakConfidence float64 `json:"leakConfidence"`
	Analysis       string  `json:"analysis"`
}

// Oracle is the verdict capability. All calls may suspend awaiting a remote
// round-trip; frames are opaque encoded JPEG payloads.
type Oracle interface {
	VerifyFace(ctx context.Context, frameJPEG, enrolledJPEG []byte) (FaceMatch, error)
	DetectSuspiciousActivity(ctx context.Context, frameJPEG []byte) (Suspicion, error)
	ExtractForensicWatermark(ctx context.Context, leakedJPEG []byte) (ForensicReport, error)
}

// ErrForensicUnavailable is returned when forensic extraction fails. Unlike
// the monitoring verdicts, this path never falls back to a fabricated result.
var ErrForensicUnavailable = errors.New("forensic engine synchronization failure")

func (m FaceMatch) validate() error {
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("face match confidence %v out of range", m.Confidence)
	}
	return nil
}

func (r ForensicReport) validate() error {
	if r.Email == "" || r.SetterID == "" {
		return fmt.Errorf("forensic report missing attribution fields")
	}
	if r.LeakConfidence < 0 || r.LeakConfidence > 1 {
		return fmt.Errorf("forensic leak confidence %v out of range", r.LeakConfidence)
	}
	return nil
}
