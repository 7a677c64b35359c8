package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// Brevo sends through the Brevo (ex Sendinblue) transactional API.
type Brevo struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewBrevo(apiKey string, timeout time.Duration) *Brevo {
	return &Brevo{
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
		client:   newHTTPClient(timeout),
	}
}

func (b *Brevo) Name() string { return "brevo" }

func (b *Brevo) DailyLimit() int { return 10000 }

type brevoRequest struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Code      string `json:"code"`
}

func (b *Brevo) SendEmail(ctx context.Context, params SendParams) (SendResult, error) {
	req := brevoRequest{
		Sender:      brevoAddress{Email: params.FromEmail, Name: params.FromName},
		To:          []brevoAddress{{Email: params.To}},
		Subject:     params.Subject,
		HTMLContent: params.HTMLContent,
	}

	status, body, err := postJSON(ctx, b.client, b.Name(), b.endpoint, map[string]string{
		"api-key": b.apiKey,
	}, req)
	if err != nil {
		return SendResult{}, err
	}

	var resp brevoResponse
	if len(body) > 0 {
		// tolerate malformed bodies, status drives classification
		_ = json.Unmarshal(body, &resp)
	}

	if status < 200 || status >= 300 {
		kind := classifyStatus(status)
		if kind == ErrUnknown && resp.Code == "invalid_parameter" {
			kind = ErrRecipientRejected
		}
		return SendResult{}, newError(b.Name(), kind, "status %d: %s", status, resp.Message)
	}

	return SendResult{MessageID: resp.MessageID, Provider: b.Name()}, nil
}
