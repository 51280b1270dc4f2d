// Package chat implements the chat-platform bot backend: the family of
// upstream accounts that are themselves bot users in a chat server,
// driven by posting text commands and reading back inline-button
// follow-ups, modeled on a Discord-style drawing bot.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/drawproxy/internal/bus"
	"github.com/basket/drawproxy/internal/correlator"
	"github.com/basket/drawproxy/internal/instance"
	"github.com/basket/drawproxy/internal/task"
)

// stallTimeout bounds how long Listen waits between updates before
// assuming the long-poll connection has died silently; tgbotapi's
// GetUpdatesChan blocks rather than closing its channel on a dropped
// connection, so this is the only way to notice.
const stallTimeout = 150 * time.Second

// Backend drives one or more chat-platform bot sessions. Every account
// in this family shares the same underlying bot client (one bot invited
// into many guild channels), keyed by account.ChannelID.
type Backend struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

// New constructs a Backend around an already-authenticated bot client.
func New(bot *tgbotapi.BotAPI, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{bot: bot, log: log}
}

func chatID(acct *task.Account) (int64, error) {
	id, err := strconv.ParseInt(acct.ChannelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat backend: account channel id %q is not a chat id: %w", acct.ChannelID, err)
	}
	return id, nil
}

// Send issues t's primary command as a plain text message into the
// account's channel. The outbound text mirrors the slash-command the
// upstream bot expects: "/imagine <prompt>" style for a fresh task,
// bare customId replay for a button-triggered follow-up.
func (b *Backend) Send(ctx context.Context, acct *task.Account, t *task.Task) (instance.Message, task.SubmitResult) {
	id, err := chatID(acct)
	if err != nil {
		return instance.Message{}, task.Failure(err.Error())
	}

	text := commandText(t)
	msg := tgbotapi.NewMessage(id, text)
	sent, err := b.bot.Send(msg)
	if err != nil {
		return instance.Message{}, task.Failure("chat backend: send failed: " + err.Error())
	}
	return instance.Message{ID: strconv.Itoa(sent.MessageID)}, task.Success(t.ID)
}

// SendSecondPhase issues the rewritten customId command for a modal
// two-phase commit as a follow-up text message.
func (b *Backend) SendSecondPhase(ctx context.Context, acct *task.Account, t *task.Task, customID string) (instance.Message, task.SubmitResult) {
	id, err := chatID(acct)
	if err != nil {
		return instance.Message{}, task.Failure(err.Error())
	}
	msg := tgbotapi.NewMessage(id, customID)
	sent, err := b.bot.Send(msg)
	if err != nil {
		return instance.Message{}, task.Failure("chat backend: second-phase send failed: " + err.Error())
	}
	return instance.Message{ID: strconv.Itoa(sent.MessageID)}, task.Success(t.ID)
}

// Upload posts data as a photo attachment into the account's channel
// and returns the file's directly-fetchable URL. Chat-platform bots
// have no separate blob store: posting *is* uploading.
func (b *Backend) Upload(ctx context.Context, acct *task.Account, data []byte, suffix string) (string, error) {
	id, err := chatID(acct)
	if err != nil {
		return "", err
	}
	file := tgbotapi.FileBytes{Name: "upload" + suffix, Bytes: data}
	photo := tgbotapi.NewPhoto(id, file)
	sent, err := b.bot.Send(photo)
	if err != nil {
		return "", fmt.Errorf("chat backend: upload failed: %w", err)
	}
	if len(sent.Photo) == 0 {
		return "", fmt.Errorf("chat backend: upload produced no photo sizes")
	}
	largest := sent.Photo[len(sent.Photo)-1]
	url, err := b.bot.GetFileDirectURL(largest.FileID)
	if err != nil {
		return "", fmt.Errorf("chat backend: resolve uploaded file url: %w", err)
	}
	return url, nil
}

// SendImage posts an already-hosted URL as a photo message and returns
// the resulting message's deep link.
func (b *Backend) SendImage(ctx context.Context, acct *task.Account, url string) (string, error) {
	id, err := chatID(acct)
	if err != nil {
		return "", err
	}
	photo := tgbotapi.NewPhoto(id, tgbotapi.FileURL(url))
	sent, err := b.bot.Send(photo)
	if err != nil {
		return "", fmt.Errorf("chat backend: send image failed: %w", err)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", id, sent.MessageID), nil
}

// Rehost is a no-op for the chat family: URLs already live on the chat
// platform's own CDN once uploaded, so there is nothing further to
// re-host. Only the partner-cloud backend needs an explicit rehost
// step.
func (b *Backend) Rehost(ctx context.Context, acct *task.Account, url string) (string, error) {
	return url, nil
}

// React adds an emoji reaction to messageID, used by the seed
// retrieval flow to trigger the upstream bot's seed reply.
func (b *Backend) React(ctx context.Context, acct *task.Account, messageID, emoji string) error {
	id, err := chatID(acct)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("chat backend: react: invalid message id %q: %w", messageID, err)
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", id)
	params.AddNonZero("message_id", msgID)
	params["reaction"] = fmt.Sprintf(`[{"type":"emoji","emoji":%q}]`, emoji)
	_, err = b.bot.MakeRequest("setMessageReaction", params)
	if err != nil {
		return fmt.Errorf("chat backend: react failed: %w", err)
	}
	return nil
}

// Listen runs the long-poll update loop for this bot session, publishing
// every inbound message and button callback onto b for the correlator
// to pick up. It reconnects with exponential backoff on stall.
func (b *Backend) Listen(ctx context.Context, eventBus *bus.Bus) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.bot.GetUpdatesChan(u)

		err := b.pollUpdates(ctx, eventBus, updates)
		b.bot.StopReceivingUpdates()

		if err == nil {
			return
		}
		b.log.Warn("chat backend: update poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates drains updates until ctx is cancelled, the channel closes,
// or no update arrives within stallTimeout. A nil return means ctx was
// cancelled; any other return triggers Listen's reconnect loop.
func (b *Backend) pollUpdates(ctx context.Context, eventBus *bus.Bus, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("chat backend: update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if ev, ok := toEventData(update); ok {
				eventBus.Publish(bus.TopicUpstreamEvent, ev)
			}
		case <-timer.C:
			return fmt.Errorf("chat backend: no updates for %v, assuming disconnect", stallTimeout)
		}
	}
}

// toEventData normalizes a tgbotapi.Update into the correlator's
// channel-agnostic EventData shape: a message update carries content and
// attachments, a callback query carries its customId as a Component.
func toEventData(update tgbotapi.Update) (correlator.EventData, bool) {
	switch {
	case update.Message != nil:
		msg := update.Message
		ev := correlator.EventData{
			ID:        strconv.Itoa(msg.MessageID),
			ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
			Content:   msg.Text,
		}
		if msg.From != nil {
			ev.AuthorID = strconv.FormatInt(msg.From.ID, 10)
		}
		if msg.ReplyToMessage != nil {
			ev.ReferencedMessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
		}
		if len(msg.Photo) > 0 {
			largest := msg.Photo[len(msg.Photo)-1]
			ev.Attachments = []correlator.Attachment{{URL: largest.FileID}}
		}
		return ev, true

	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		cq := update.CallbackQuery
		ev := correlator.EventData{
			ID:         strconv.Itoa(cq.Message.MessageID),
			ChannelID:  strconv.FormatInt(cq.Message.Chat.ID, 10),
			Content:    cq.Message.Text,
			Components: []correlator.Component{{CustomID: cq.Data}},
		}
		if cq.From != nil {
			ev.AuthorID = strconv.FormatInt(cq.From.ID, 10)
		}
		return ev, true

	default:
		return correlator.EventData{}, false
	}
}

// commandText renders t as the slash-command text the upstream bot
// expects for a fresh (non-button) submission.
func commandText(t *task.Task) string {
	switch t.Action {
	case task.ActionImagine:
		return "/imagine " + t.Prompt
	case task.ActionDescribe:
		return "/describe " + strings.Join(t.ImageURLs, " ")
	case task.ActionBlend:
		return "/blend " + strings.Join(t.ImageURLs, " ")
	case task.ActionShorten:
		return "/shorten " + t.Prompt
	case task.ActionSeed:
		return "/show " + t.Properties.MessageHash
	default:
		if t.Properties.CustomID != "" {
			return t.Properties.CustomID
		}
		return t.Prompt
	}
}
