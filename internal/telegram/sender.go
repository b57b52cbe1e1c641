package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "tntb/pkg/logx"
)

type Config struct {
	Token string
}

// Photo addresses outgoing media either by a remote URL (first upload) or
// by a Telegram file id obtained from an earlier send.
type Photo struct {
	URL    string
	FileID string
}

// Sender delivers notification messages. Texts are HTML-formatted; callers
// escape user-controlled content with EscapeHTML.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// No poller: this process only sends; inbound traffic arrives over the
	// EventSub webhook, and the conversational layer runs its own updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

// Bot exposes the underlying telebot instance for the conversational layer.
func (s *Sender) Bot() *tele.Bot { return s.bot }

// SendMessage sends an HTML text message.
func (s *Sender) SendMessage(ctx context.Context, chatID int64, html string, disablePreview bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(tele.ChatID(chatID), html, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: disablePreview,
	})
	return err
}

// SendPhoto sends a photo with an HTML caption and returns the file id
// Telegram assigned to the uploaded media, reusable for later sends.
func (s *Sender) SendPhoto(ctx context.Context, chatID int64, photo Photo, captionHTML string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var file tele.File
	switch {
	case photo.FileID != "":
		file = tele.File{FileID: photo.FileID}
	case photo.URL != "":
		file = tele.FromURL(photo.URL)
	default:
		return "", errors.New("telegram: photo has neither file id nor url")
	}

	p := &tele.Photo{File: file, Caption: captionHTML}
	msg, err := s.bot.Send(tele.ChatID(chatID), p, &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		return "", err
	}
	if msg.Photo != nil {
		return msg.Photo.FileID, nil
	}
	return photo.FileID, nil
}

// SetCommands publishes the bot's command menu; best-effort at startup.
func (s *Sender) SetCommands(cmds []tele.Command) error {
	return s.bot.SetCommands(cmds)
}
