package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-3-flash-preview"

	callTimeout   = 20 * time.Second
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// Gemini calls the Generative Language API for verdicts. Responses are
// validated before use; malformed payloads are rejected, not trust-parsed.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// GeminiOption customizes the client.
type GeminiOption func(*Gemini)

// WithBaseURL overrides the API endpoint (used in tests).
func WithBaseURL(u string) GeminiOption {
	return func(g *Gemini) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *Gemini) { g.client = c }
}

// NewGemini creates a remote verdict client.
func NewGemini(apiKey string, opts ...GeminiOption) *Gemini {
	g := &Gemini{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: callTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type generatePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *inlineDataPart `json:"inlineData,omitempty"`
}

type inlineDataPart struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateRequest struct {
	Contents struct {
		Parts []generatePart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// VerifyFace compares a captured frame against the enrolled signature.
func (g *Gemini) VerifyFace(ctx context.Context, frameJPEG, enrolledJPEG []byte) (FaceMatch, error) {
	prompt := "Compare these two faces. Are they the same person? Return JSON with boolean 'matched', numeric 'confidence' (0-1), and 'reason'. Respond ONLY with JSON."
	var match FaceMatch
	if err := g.generate(ctx, []generatePart{
		jpegPart(enrolledJPEG),
		jpegPart(frameJPEG),
		{Text: prompt},
	}, &match); err != nil {
		return FaceMatch{}, err
	}
	if err := match.validate(); err != nil {
		return FaceMatch{}, fmt.Errorf("invalid face verdict: %w", err)
	}
	return match, nil
}

// DetectSuspiciousActivity checks one frame for behavioral red flags.
func (g *Gemini) DetectSuspiciousActivity(ctx context.Context, frameJPEG []byte) (Suspicion, error) {
	prompt := "SECURITY MONITORING: Identify: 1. Face missing. 2. Multiple people. 3. Camera obstruction. 4. Mobile phone in hand. Return JSON { suspicious: boolean, type: string, details: string }."
	var verdict Suspicion
	if err := g.generate(ctx, []generatePart{
		jpegPart(frameJPEG),
		{Text: prompt},
	}, &verdict); err != nil {
		return Suspicion{}, err
	}
	return verdict, nil
}

// ExtractForensicWatermark attributes a leaked image to an identity.
func (g *Gemini) ExtractForensicWatermark(ctx context.Context, leakedJPEG []byte) (ForensicReport, error) {
	prompt := "FORENSIC INVESTIGATION: This is an examination leak. Scan the image for microscopic repeating text patterns (watermarks) in the format 'WatermarkID::UserID::Email::Timestamp'. Extract the exact email address, user ID and date/time. Return JSON with 'setterId', 'email', 'timestamp', 'deviceInfo', numeric 'leakConfidence' (0-1) and 'analysis'."
	var report ForensicReport
	if err := g.generate(ctx, []generatePart{
		jpegPart(leakedJPEG),
		{Text: prompt},
	}, &report); err != nil {
		return ForensicReport{}, err
	}
	if err := report.validate(); err != nil {
		return ForensicReport{}, fmt.Errorf("invalid forensic report: %w", err)
	}
	return report, nil
}

func jpegPart(data []byte) generatePart {
	return generatePart{InlineData: &inlineDataPart{
		MimeType: "image/jpeg",
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
}

// generate posts one generateContent request and decodes the JSON verdict
// into out. Transient failures are retried with exponential backoff; the
// whole call is bounded by a timeout.
func (g *Gemini) generate(ctx context.Context, parts []generatePart, out any) error {
	var req generateRequest
	req.Contents.Parts = parts
	req.GenerationConfig.ResponseMimeType = "application/json"

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBase))
	var text string
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("oracle returned status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("oracle returned status %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		var decoded generateResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("decode oracle response: %w", err)
		}
		if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
			return fmt.Errorf("oracle response has no candidates")
		}
		text = decoded.Candidates[0].Content.Parts[0].Text
		return nil
	})
	if err != nil {
		return fmt.Errorf("oracle call failed: %w", err)
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		return fmt.Errorf("decode verdict payload: %w", err)
	}
	return nil
}
