package api

import (
	"time"

	"github.com/SirClappington/slackq/internal/domain"
)

type ScheduleRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
	SendAt    string `json:"send_at"` // RFC 3339
}

type SendRequest struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

type SendResponse struct {
	OK        bool    `json:"ok"`
	MessageID string  `json:"message_id"`
	Permalink *string `json:"permalink"`
}

type JobResponse struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	ChannelID         string  `json:"channel_id"`
	Text              string  `json:"text"`
	SendAt            string  `json:"send_at"`
	Status            string  `json:"status"`
	RetryCount        int     `json:"retry_count"`
	SentAt            *string `json:"sent_at"`
	ProviderMessageID *string `json:"provider_message_id"`
	Permalink         *string `json:"permalink"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ChannelResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ChannelListResponse struct {
	Channels []ChannelResponse `json:"channels"`
}

type ErrorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	ProviderCode string `json:"provider_code,omitempty"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func toJobResponse(j domain.Job) JobResponse {
	resp := JobResponse{
		ID:                j.ID.String(),
		TenantID:          j.TenantID,
		ChannelID:         j.ChannelID,
		Text:              j.Text,
		SendAt:            formatTime(j.SendAt),
		Status:            string(j.Status),
		RetryCount:        j.RetryCount,
		ProviderMessageID: j.ProviderMessageID,
		Permalink:         j.Permalink,
		CreatedAt:         formatTime(j.CreatedAt),
		UpdatedAt:         formatTime(j.UpdatedAt),
	}
	if j.SentAt != nil {
		s := formatTime(*j.SentAt)
		resp.SentAt = &s
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
