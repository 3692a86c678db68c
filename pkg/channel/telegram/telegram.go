package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/tidwall/gjson"

	"ollama-acp/pkg/bus"
	"ollama-acp/pkg/channel"
	"ollama-acp/pkg/config"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// Failed prompts never produce a reply, so typing stops on its own.
const typingMaxDuration = 2 * time.Minute

var errNotRunning = errors.New("telegram channel is not running")

// Adapter turns Telegram text messages into inbound prompts and sends
// relayed replies back to the originating chat.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger

	mu     sync.Mutex
	bot    *telego.Bot
	typing map[int64]*typingIndicator
}

type typingIndicator struct {
	cancel context.CancelFunc
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
		typing:    map[int64]*typingIndicator{},
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and publishes every accepted text
// message as {"prompt": text}.
func (a *Adapter) Run(ctx context.Context, publish channel.Publish) error {
	if publish == nil {
		return errors.New("publish is required")
	}

	bot, err := a.newBot()
	if err != nil {
		return err
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()
	defer a.stopAllTyping()

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, chatID, ok := a.inboundFrom(update)
			if !ok {
				continue
			}
			a.log.Info("Received message", "from", inbound.From, "content", previewText(gjson.GetBytes(inbound.Payload, "prompt").Str))

			if !publish(ctx, inbound) {
				a.log.Warn("Inbound queue rejected message", "from", inbound.From)
				continue
			}
			a.startTypingIndicator(ctx, bot, chatID)
		}
	}
}

// Deliver sends a relayed reply to the chat encoded in msg.To.
func (a *Adapter) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := chatIDFrom(msg.To)
	if err != nil {
		return err
	}
	a.stopTyping(chatID)

	text := strings.TrimSpace(responseText(msg.Payload))
	if text == "" {
		return nil
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return errNotRunning
	}

	a.log.Info("Sending message", "to", msg.To, "content", previewText(text))
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (a *Adapter) newBot() (*telego.Bot, error) {
	var opts []telego.BotOption
	if proxy := strings.TrimSpace(a.cfg.Proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse channels.telegram.proxy: %w", err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(strings.TrimSpace(a.cfg.Token), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return bot, nil
}

func (a *Adapter) inboundFrom(update telego.Update) (bus.InboundMessage, int64, bool) {
	message := update.Message
	if message == nil {
		return bus.InboundMessage{}, 0, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		// Only text becomes a prompt.
		return bus.InboundMessage{}, 0, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.InboundMessage{}, 0, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundMessage{}, 0, false
	}

	payload, err := json.Marshal(map[string]string{"prompt": content})
	if err != nil {
		a.log.Error("Failed to encode inbound payload", "error", err)
		return bus.InboundMessage{}, 0, false
	}

	chatID := message.Chat.ID
	return bus.InboundMessage{
		From:    channel.Recipient(channelName, strconv.FormatInt(chatID, 10)),
		Payload: payload,
		Channel: channelName,
	}, chatID, true
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

func chatIDFrom(recipient string) (int64, error) {
	name, id, ok := channel.SplitRecipient(recipient)
	if !ok || name != channelName {
		return 0, fmt.Errorf("recipient %q is not a telegram chat", recipient)
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("recipient %q has invalid chat id: %w", recipient, err)
	}
	return chatID, nil
}

// responseText reads the relayed reply text from an outbound payload.
func responseText(payload json.RawMessage) string {
	value := gjson.GetBytes(payload, "response")
	if value.Type != gjson.String {
		return ""
	}
	return value.Str
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator keeps a typing action visible in the chat until the
// reply for it is delivered.
func (a *Adapter) startTypingIndicator(ctx context.Context, bot *telego.Bot, chatID int64) {
	a.mu.Lock()
	if _, active := a.typing[chatID]; active {
		a.mu.Unlock()
		return
	}
	typingCtx, cancel := context.WithTimeout(ctx, typingMaxDuration)
	indicator := &typingIndicator{cancel: cancel}
	a.typing[chatID] = indicator
	a.mu.Unlock()

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	go func() {
		defer a.clearTyping(chatID, indicator)
		sendTyping()

		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (a *Adapter) stopTyping(chatID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if indicator, ok := a.typing[chatID]; ok {
		indicator.cancel()
		delete(a.typing, chatID)
	}
}

func (a *Adapter) clearTyping(chatID int64, indicator *typingIndicator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	indicator.cancel()
	if a.typing[chatID] == indicator {
		delete(a.typing, chatID)
	}
}

func (a *Adapter) stopAllTyping() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for chatID, indicator := range a.typing {
		indicator.cancel()
		delete(a.typing, chatID)
	}
}
