package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type httpSynth struct {
	endpoint string
	client   *http.Client
}

type synthPayload struct {
	AudioBase64 string `json:"audio_base64"`
}

type synthRequest struct {
	PrimaryText   string `json:"primary_text"`
	SecondaryText string `json:"secondary_text,omitempty"`
	Voice         string `json:"voice,omitempty"`
}

type synthResponse struct {
	Primary   *synthPayload `json:"primary,omitempty"`
	Secondary *synthPayload `json:"secondary,omitempty"`
}

// NewHTTPSynth creates a Synthesizer backed by the host application's
// synthesis endpoint.
func NewHTTPSynth(endpoint string, timeout time.Duration) Synthesizer {
	return &httpSynth{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	payload := synthRequest{
		PrimaryText:   req.Primary,
		SecondaryText: req.Secondary,
		Voice:         req.Voice,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	var decoded synthResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	var result Result
	if decoded.Primary != nil {
		result.Primary, err = base64.StdEncoding.DecodeString(decoded.Primary.AudioBase64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: decode primary audio: %v", ErrUnavailable, err)
		}
	}
	if decoded.Secondary != nil {
		result.Secondary, err = base64.StdEncoding.DecodeString(decoded.Secondary.AudioBase64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: decode secondary audio: %v", ErrUnavailable, err)
		}
	}
	if len(result.Primary) == 0 {
		return Result{}, fmt.Errorf("%w: empty primary payload", ErrUnavailable)
	}
	return result, nil
}
