package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// ErrUnregistered marks a token FCM no longer recognizes; the caller should
// drop it from the store.
var ErrUnregistered = errors.New("notify: token unregistered")

// Sender delivers one message to one device token.
type Sender interface {
	Send(ctx context.Context, token, title, body string) error
}

// FCMSender sends through the FCM HTTP v1 API, authenticating with a Firebase
// service-account key.
type FCMSender struct {
	endpoint string
	client   *http.Client
}

// NewFCMSender reads the service-account file and builds an authenticated
// client for the project it belongs to.
func NewFCMSender(ctx context.Context, serviceAccountFile string) (*FCMSender, error) {
	data, err := os.ReadFile(serviceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account: %w", err)
	}
	var account struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(data, &account); err != nil || account.ProjectID == "" {
		return nil, fmt.Errorf("service account file has no project_id")
	}
	cfg, err := google.JWTConfigFromJSON(data, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}

	client := oauth2.NewClient(ctx, cfg.TokenSource(ctx))
	client.Timeout = 15 * time.Second
	return &FCMSender{
		endpoint: fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", account.ProjectID),
		client:   client,
	}, nil
}

// Send pushes one notification. A 404 or UNREGISTERED answer is reported as
// ErrUnregistered.
func (s *FCMSender) Send(ctx context.Context, token, title, body string) error {
	payload, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"token": token,
			"notification": map[string]string{
				"title": title,
				"body":  body,
			},
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	answer, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound || bytes.Contains(answer, []byte("UNREGISTERED")) {
		return ErrUnregistered
	}
	return fmt.Errorf("fcm send: status %d: %s", resp.StatusCode, answer)
}
