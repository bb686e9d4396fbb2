package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	telegramAPIURL  = "https://api.telegram.org"
	telegramTimeout = 10 * time.Second
)

// TelegramNotifier pushes operator notifications to a Telegram chat via
// the Bot API. Delivery is fire and forget: a send runs in its own
// goroutine with its own deadline so a slow Telegram API never stalls a
// poll or a webhook job.
type TelegramNotifier struct {
	baseURL    string
	botToken   string
	chatID     string
	httpClient *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:    telegramAPIURL,
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: telegramTimeout},
	}
}

func (n *TelegramNotifier) Notify(ctx context.Context, severity Severity, message string) {
	// Detach from the caller's cancellation: the job may finish (or
	// fail) before Telegram answers, and the notification should still
	// go out.
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		sendCtx, cancel := context.WithTimeout(sendCtx, telegramTimeout)
		defer cancel()
		if err := n.send(sendCtx, severity, message); err != nil {
			slog.ErrorContext(sendCtx, "Failed to deliver Telegram notification",
				"severity", severity,
				"error", err)
		}
	}()
}

func (n *TelegramNotifier) send(ctx context.Context, severity Severity, message string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    fmt.Sprintf("[%s] %s", severity, message),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api status %d", resp.StatusCode)
	}
	return nil
}
