// Package notify delivers operator alerts: channel auto-disable and
// recovery events from the circuit breaker, and low-balance warnings from
// the billing flush.
//
// Every alert is logged; delivery to Telegram happens additionally when the
// NotificationEnabled option is set and a bot is configured. Sends are
// fire-and-forget: alerting must never block or fail a request path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/options"
)

// telegramConfig mirrors the TelegramConfig option value.
type telegramConfig struct {
	Token  string `json:"token"`
	ChatID string `json:"chatId"`
}

// Notifier sends operator alerts.
type Notifier struct {
	opts   *options.Service // nil disables external delivery
	logger *slog.Logger
	client *http.Client

	// telegramURL overrides the API host. Tests point it at a local server.
	telegramURL string
}

// New creates a notifier. opts may be nil; alerts then go to the log only.
func New(opts *options.Service, logger *slog.Logger) *Notifier {
	return &Notifier{
		opts:        opts,
		logger:      logger,
		client:      &http.Client{Timeout: 10 * time.Second},
		telegramURL: "https://api.telegram.org",
	}
}

// ChannelDisabled reports a circuit breaker trip.
func (n *Notifier) ChannelDisabled(channelID int64, name, reason string) {
	n.logger.Warn("channel auto-disabled", "channel_id", channelID, "name", name, "reason", reason)
	n.send("Channel auto-disabled",
		fmt.Sprintf("Channel #%d (%s) was disabled after repeated failures: %s", channelID, name, reason))
}

// ChannelRecovered reports a successful recovery probe.
func (n *Notifier) ChannelRecovered(channelID int64, name string) {
	n.logger.Info("channel recovered", "channel_id", channelID, "name", name)
	n.send("Channel recovered",
		fmt.Sprintf("Channel #%d (%s) passed its probe and was re-enabled.", channelID, name))
}

// LowBalance reports a user whose quota dropped below the alarm threshold.
func (n *Notifier) LowBalance(userID, balance, threshold int64) {
	n.logger.Warn("user balance below threshold",
		"user_id", userID, "balance", balance, "threshold", threshold)
	n.send("Low balance",
		fmt.Sprintf("User #%d balance fell to %d (threshold %d).", userID, balance, threshold))
}

func (n *Notifier) send(subject, message string) {
	if n.opts == nil {
		return
	}
	snap := n.opts.Current()
	if !snap.Bool(options.KeyNotificationEnabled, false) {
		return
	}

	var cfg telegramConfig
	if !snap.JSON(options.KeyTelegramConfig, &cfg) || cfg.Token == "" || cfg.ChatID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.sendTelegram(ctx, cfg, subject, message); err != nil {
			n.logger.Warn("telegram notification failed", "error", err)
		}
	}()
}

func (n *Notifier) sendTelegram(ctx context.Context, cfg telegramConfig, subject, message string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    cfg.ChatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", subject, message),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramURL, cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}
