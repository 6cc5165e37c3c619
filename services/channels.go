package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"attribution-service-server/models"
)

// ChannelAdapter is an external transport used to deliver a notification.
// Send must honor ctx cancellation; any returned error is treated as a
// transient delivery failure and drives the retry pipeline.
type ChannelAdapter interface {
	Channel() models.NotificationChannel
	Send(ctx context.Context, notification *models.Notification) error
}

// httpPost posts a JSON payload to an external relay and treats any non-2xx
// response as a delivery failure.
func httpPost(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("relay returned %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// EmailAdapter delivers notifications through an HTTP email relay.
type EmailAdapter struct {
	relayURL string
	client   *http.Client
}

// NewEmailAdapter creates an email adapter for the given relay URL.
func NewEmailAdapter(relayURL string) *EmailAdapter {
	return &EmailAdapter{
		relayURL: relayURL,
		client:   &http.Client{},
	}
}

func (a *EmailAdapter) Channel() models.NotificationChannel {
	return models.ChannelEmail
}

func (a *EmailAdapter) Send(ctx context.Context, notification *models.Notification) error {
	if a.relayURL == "" {
		return fmt.Errorf("email relay not configured")
	}
	payload := map[string]interface{}{
		"to":      notification.Recipient,
		"subject": notification.Subject,
		"body":    notification.Body,
		"kind":    notification.Kind,
	}
	return httpPost(ctx, a.client, a.relayURL, payload)
}

// SMSAdapter delivers notifications through an HTTP SMS gateway.
type SMSAdapter struct {
	gatewayURL string
	client     *http.Client
}

// NewSMSAdapter creates an SMS adapter for the given gateway URL.
func NewSMSAdapter(gatewayURL string) *SMSAdapter {
	return &SMSAdapter{
		gatewayURL: gatewayURL,
		client:     &http.Client{},
	}
}

func (a *SMSAdapter) Channel() models.NotificationChannel {
	return models.ChannelSMS
}

func (a *SMSAdapter) Send(ctx context.Context, notification *models.Notification) error {
	if a.gatewayURL == "" {
		return fmt.Errorf("sms gateway not configured")
	}
	payload := map[string]interface{}{
		"to":      notification.Recipient,
		"message": notification.Subject + "\n" + notification.Body,
	}
	return httpPost(ctx, a.client, a.gatewayURL, payload)
}

// PushSender abstracts the realtime connection hub so the adapter does not
// depend on the websocket package directly.
type PushSender interface {
	SendToProfessional(professionalID uint, event string, payload map[string]interface{}) error
}

// PushAdapter delivers notifications to professionals connected over
// websocket. A disconnected recipient is a transient failure: the record goes
// through the normal retry pipeline and dead-letters if they never reconnect.
type PushAdapter struct {
	hub PushSender
}

// NewPushAdapter creates a push adapter over the given connection hub.
func NewPushAdapter(hub PushSender) *PushAdapter {
	return &PushAdapter{hub: hub}
}

func (a *PushAdapter) Channel() models.NotificationChannel {
	return models.ChannelPush
}

func (a *PushAdapter) Send(ctx context.Context, notification *models.Notification) error {
	var data map[string]interface{}
	if notification.Data != "" {
		if err := json.Unmarshal([]byte(notification.Data), &data); err != nil {
			return fmt.Errorf("invalid push payload: %w", err)
		}
	}
	payload := map[string]interface{}{
		"notification_id": notification.ID,
		"subject":         notification.Subject,
		"body":            notification.Body,
		"data":            data,
	}
	return a.hub.SendToProfessional(notification.RecipientID, notification.Kind, payload)
}
