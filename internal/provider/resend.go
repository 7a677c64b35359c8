package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// Resend sends through the Resend REST API with a bearer token.
type Resend struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewResend(apiKey string, timeout time.Duration) *Resend {
	return &Resend{
		apiKey:   apiKey,
		endpoint: resendEndpoint,
		client:   newHTTPClient(timeout),
	}
}

func (r *Resend) Name() string { return "resend" }

func (r *Resend) DailyLimit() int { return 50000 }

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (r *Resend) SendEmail(ctx context.Context, params SendParams) (SendResult, error) {
	from := params.FromEmail
	if params.FromName != "" {
		from = fmt.Sprintf("%s <%s>", params.FromName, params.FromEmail)
	}
	req := resendRequest{
		From:    from,
		To:      []string{params.To},
		Subject: params.Subject,
		HTML:    params.HTMLContent,
	}

	status, body, err := postJSON(ctx, r.client, r.Name(), r.endpoint, map[string]string{
		"Authorization": "Bearer " + r.apiKey,
	}, req)
	if err != nil {
		return SendResult{}, err
	}

	var resp resendResponse
	if len(body) > 0 {
		_ = json.Unmarshal(body, &resp)
	}

	if status < 200 || status >= 300 {
		kind := classifyStatus(status)
		if kind == ErrUnknown && resp.Name == "validation_error" {
			kind = ErrRecipientRejected
		}
		return SendResult{}, newError(r.Name(), kind, "status %d: %s", status, resp.Message)
	}

	return SendResult{MessageID: resp.ID, Provider: r.Name()}, nil
}
