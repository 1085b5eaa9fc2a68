package mpps

import (
	"context"
	"encoding/json"

	"github.com/ehr/radiology/internal/platform/webhook"
)

const webhookEventType = "mpps.performed_status"

// sender is satisfied by *webhook.Sender.
type sender interface {
	Send(ctx context.Context, event webhook.Event) error
}

// WebhookBridge posts each terminal status to a RIS endpoint as a signed
// JSON event whose subject is the study instance UID.
type WebhookBridge struct {
	sender sender
}

func NewWebhookBridge(s *webhook.Sender) *WebhookBridge {
	return &WebhookBridge{sender: s}
}

func (b *WebhookBridge) Notify(ctx context.Context, studyInstanceUID string, status Status) error {
	payload, err := json.Marshal(struct {
		StudyInstanceUID string `json:"study_instance_uid"`
		PerformedStatus  string `json:"performed_status"`
	}{studyInstanceUID, status.Downstream()})
	if err != nil {
		return err
	}
	return b.sender.Send(ctx, webhook.Event{
		Type:    webhookEventType,
		Subject: studyInstanceUID,
		Payload: payload,
	})
}
