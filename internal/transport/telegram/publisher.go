// Package telegram implements the publish and notification ports over
// the Telegram Bot API. This adapter is send-only: it never polls for
// updates.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type Config struct {
	Token string
	// ChannelID is the publish target: "@username" or a numeric chat id.
	ChannelID   string
	AdminIDs    []int64
	SendTimeout time.Duration
}

// chat adapts a raw chat id string to telebot's Recipient.
type chat string

func (c chat) Recipient() string { return string(c) }

type Publisher struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

// zero-width space: Telegram rejects empty message text, so the button
// carrier message uses an invisible character.
const buttonCarrierText = "​"

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errors.New("telegram channel id is empty")
	}
	settings := tele.Settings{Token: cfg.Token}
	if cfg.SendTimeout > 0 {
		settings.Client = &http.Client{Timeout: cfg.SendTimeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// Publish sends the batch as a single media group, then the optional
// button as a follow-up message. The media group either posts whole or
// errors whole, which is what gives the queue its all-or-nothing mark
// semantics.
func (p *Publisher) Publish(ctx context.Context, b transport.Batch) error {
	if len(b.Media) == 0 {
		return errors.New("telegram: empty batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	album := make(tele.Album, 0, len(b.Media))
	for _, m := range b.Media {
		photo := &tele.Photo{File: tele.FromReader(m.Data)}
		if m.Caption != "" {
			photo.Caption = m.Caption
		}
		album = append(album, photo)
	}

	to := chat(p.cfg.ChannelID)
	if _, err := p.bot.SendAlbum(to, album, tele.ModeHTML); err != nil {
		return fmt.Errorf("send album: %w", err)
	}

	if b.Button.Text != "" && b.Button.URL != "" {
		markup := &tele.ReplyMarkup{}
		markup.Inline(markup.Row(markup.URL(b.Button.Text, b.Button.URL)))
		if _, err := p.bot.Send(to, buttonCarrierText, markup); err != nil {
			// The album is already out; the batch counts as published.
			p.log.Warn("button message failed", logx.String("batch", b.ID), logx.Err(err))
		}
	}

	p.log.Info("batch published",
		logx.String("batch", b.ID),
		logx.Int("media", len(b.Media)),
	)
	return nil
}

// Notify sends a text to each configured admin. Errors are logged and
// folded into one best-effort result.
func (p *Publisher) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var lastErr error
	for _, id := range p.cfg.AdminIDs {
		if _, err := p.bot.Send(tele.ChatID(id), text, tele.ModeHTML); err != nil {
			p.log.Warn("admin notify failed", logx.Int64("admin", id), logx.Err(err))
			lastErr = err
		}
	}
	return lastErr
}
