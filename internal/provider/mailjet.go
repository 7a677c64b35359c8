package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const mailjetEndpoint = "https://api.mailjet.com/v3.1/send"

// Mailjet sends through the Mailjet v3.1 send API using basic auth with the
// account api key and secret.
type Mailjet struct {
	apiKey    string
	apiSecret string
	endpoint  string
	client    *http.Client
}

func NewMailjet(apiKey, apiSecret string, timeout time.Duration) *Mailjet {
	return &Mailjet{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		endpoint:  mailjetEndpoint,
		client:    newHTTPClient(timeout),
	}
}

func (m *Mailjet) Name() string { return "mailjet" }

func (m *Mailjet) DailyLimit() int { return 6000 }

type mailjetRequest struct {
	Messages []mailjetMessage `json:"Messages"`
}

type mailjetMessage struct {
	From     mailjetAddress   `json:"From"`
	To       []mailjetAddress `json:"To"`
	Subject  string           `json:"Subject"`
	HTMLPart string           `json:"HTMLPart"`
}

type mailjetAddress struct {
	Email string `json:"Email"`
	Name  string `json:"Name,omitempty"`
}

type mailjetResponse struct {
	Messages []struct {
		Status string `json:"Status"`
		To     []struct {
			MessageID int64 `json:"MessageID"`
		} `json:"To"`
		Errors []struct {
			ErrorMessage string `json:"ErrorMessage"`
		} `json:"Errors"`
	} `json:"Messages"`
	ErrorMessage string `json:"ErrorMessage"`
}

func (m *Mailjet) SendEmail(ctx context.Context, params SendParams) (SendResult, error) {
	req := mailjetRequest{
		Messages: []mailjetMessage{{
			From:     mailjetAddress{Email: params.FromEmail, Name: params.FromName},
			To:       []mailjetAddress{{Email: params.To}},
			Subject:  params.Subject,
			HTMLPart: params.HTMLContent,
		}},
	}

	auth := base64.StdEncoding.EncodeToString([]byte(m.apiKey + ":" + m.apiSecret))
	status, body, err := postJSON(ctx, m.client, m.Name(), m.endpoint, map[string]string{
		"Authorization": "Basic " + auth,
	}, req)
	if err != nil {
		return SendResult{}, err
	}

	var resp mailjetResponse
	if len(body) > 0 {
		_ = json.Unmarshal(body, &resp)
	}

	if status < 200 || status >= 300 {
		return SendResult{}, newError(m.Name(), classifyStatus(status), "status %d: %s", status, resp.ErrorMessage)
	}

	// Mailjet returns per-message status even on HTTP 200
	if len(resp.Messages) > 0 {
		msg := resp.Messages[0]
		if msg.Status != "success" {
			detail := msg.Status
			if len(msg.Errors) > 0 {
				detail = msg.Errors[0].ErrorMessage
			}
			return SendResult{}, newError(m.Name(), ErrRecipientRejected, "message rejected: %s", detail)
		}
		if len(msg.To) > 0 {
			return SendResult{
				MessageID: strconv.FormatInt(msg.To[0].MessageID, 10),
				Provider:  m.Name(),
			}, nil
		}
	}
	return SendResult{Provider: m.Name()}, nil
}
