// Package telegram drives a Telegram bot through the Bot API using long polling.
// Bots authenticate with a token, so there is no QR pairing step.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/convoflow/internal/channels"
)

// Config is the per-channel bot configuration.
type Config struct {
	Token       string
	Proxy       string
	AllowGroups bool
}

// Driver is one Telegram bot session.
type Driver struct {
	bot   *telego.Bot
	cfg   Config
	hooks channels.DriverHooks

	mu            sync.Mutex
	authenticated bool
	polling       bool
	username      string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a driver from config.
func New(cfg Config, hooks channels.DriverHooks) (*Driver, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Driver{bot: bot, cfg: cfg, hooks: hooks}, nil
}

// Start verifies the token and begins long polling.
func (d *Driver) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	me, err := d.bot.GetMe(ctx)
	if err != nil {
		if d.hooks.OnAuthFailure != nil {
			d.hooks.OnAuthFailure(err.Error())
		}
		return fmt.Errorf("%w: telegram getMe: %v", channels.ErrAuthRequired, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	d.pollCancel = cancel
	d.pollDone = make(chan struct{})

	updates, err := d.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		close(d.pollDone)
		return fmt.Errorf("start long polling: %w", err)
	}

	d.mu.Lock()
	d.authenticated = true
	d.polling = true
	d.username = me.Username
	d.mu.Unlock()
	slog.Info("telegram bot connected", "username", me.Username)
	if d.hooks.OnAuthenticated != nil {
		d.hooks.OnAuthenticated(nil)
	}

	go func() {
		defer close(d.pollDone)
		defer d.setPolling(false)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					if pollCtx.Err() == nil && d.hooks.OnDisconnected != nil {
						d.hooks.OnDisconnected("updates channel closed")
					}
					return
				}
				if update.Message != nil {
					d.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Destroy stops long polling. If the poller does not exit before ctx ends,
// Telegram still holds the getUpdates lock and the error is transient.
func (d *Driver) Destroy(ctx context.Context) error {
	slog.Info("stopping telegram bot")
	if d.pollCancel == nil {
		return nil
	}
	d.pollCancel()

	select {
	case <-d.pollDone:
		slog.Info("telegram bot stopped")
		return nil
	case <-ctx.Done():
		return channels.Transient("telegram destroy", errors.New("polling did not stop, getUpdates lock still held"))
	}
}

// Send delivers text to a chat id.
func (d *Driver) Send(ctx context.Context, chatID, content string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	msg, err := d.bot.SendMessage(ctx, tu.Message(tu.ID(id), content))
	if err != nil {
		return "", fmt.Errorf("send telegram message: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// SetTyping sends the typing chat action. Telegram clears it on its own, so "off" is a no-op.
func (d *Driver) SetTyping(ctx context.Context, chatID string, on bool) error {
	if !on {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return d.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polling
}

func (d *Driver) IsAuthenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authenticated
}

func (d *Driver) setPolling(v bool) {
	d.mu.Lock()
	d.polling = v
	d.mu.Unlock()
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(chatIDStr, 10, 64)
}
