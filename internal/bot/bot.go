// Package bot answers MRI images sent over Telegram with a verdict.
package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/born-ml/neuroscan/internal/history"
	"github.com/born-ml/neuroscan/internal/imageio"
	"github.com/born-ml/neuroscan/internal/predict"
)

const (
	msgStart = `Hello! I estimate the Alzheimer's stage of a brain MRI slice.

Send me an MRI image as a photo or as an image file and I will reply with
the most likely stage and the probability of each stage.

Commands:
/help - how to use the bot`

	msgHelp = `How to use the bot:

1. Send an axial MRI slice (jpg, png, bmp or tiff)
2. Wait for the analysis
3. You get the verdict, the stage, the confidence and a chart

This is a research tool and not a medical diagnosis.`

	msgSendImage       = "Please send an MRI image as a photo or an image file."
	msgUnknownCommand  = "Unknown command. Use /help."
	msgProcessing      = "Analysing the image..."
	msgUndecodable     = "I could not read that image. Try another file."
	msgProcessingError = "Something went wrong while analysing the image. Try again later."
)

// ErrNoToken is returned when the bot token is empty.
var ErrNoToken = errors.New("bot: telegram token is required (bot.token or TELEGRAM_TOKEN)")

// Classifier is the predictor surface the bot needs.
type Classifier interface {
	PredictBytes(data []byte) (*predict.Result, error)
}

// API is the part of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFile(cfg tgbotapi.FileConfig) (tgbotapi.File, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is a long-polling Telegram bot.
type Bot struct {
	api     API
	token   string
	clf     Classifier
	history *history.Store
	log     *zap.Logger
	fetch   func(ctx context.Context, url string) ([]byte, error)
}

// New connects to Telegram with token.
func New(token string, clf Classifier, store *history.Store, log *zap.Logger) (*Bot, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot: connect: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("authorized", zap.String("account", api.Self.UserName))
	return NewWithAPI(api, token, clf, store, log), nil
}

// NewWithAPI builds a bot over an existing API client.
func NewWithAPI(api API, token string, clf Classifier, store *history.Store, log *zap.Logger) *Bot {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{api: api, token: token, clf: clf, history: store, log: log, fetch: download}
}

// Run handles updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}
	if fileID, ok := imageFile(msg); ok {
		b.handleImage(ctx, msg.Chat.ID, fileID)
		return
	}
	b.sendMessage(msg.Chat.ID, msgSendImage)
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.sendMessage(msg.Chat.ID, msgStart)
	case "help":
		b.sendMessage(msg.Chat.ID, msgHelp)
	default:
		b.sendMessage(msg.Chat.ID, msgUnknownCommand)
	}
}

// imageFile returns the largest photo size or an image document.
func imageFile(msg *tgbotapi.Message) (string, bool) {
	if len(msg.Photo) > 0 {
		return msg.Photo[len(msg.Photo)-1].FileID, true
	}
	if d := msg.Document; d != nil {
		if strings.HasPrefix(d.MimeType, "image/") || imageio.IsImage(d.FileName) {
			return d.FileID, true
		}
	}
	return "", false
}

func (b *Bot) handleImage(ctx context.Context, chatID int64, fileID string) {
	b.sendMessage(chatID, msgProcessing)

	data, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.log.Error("download failed", zap.String("file_id", fileID), zap.Error(err))
		b.sendMessage(chatID, msgProcessingError)
		return
	}

	res, err := b.clf.PredictBytes(data)
	if err != nil {
		var de *imageio.DecodeError
		if errors.As(err, &de) {
			b.sendMessage(chatID, msgUndecodable)
			return
		}
		b.log.Error("prediction failed", zap.Error(err))
		b.sendMessage(chatID, msgProcessingError)
		return
	}

	var text strings.Builder
	if err := res.Render(&text); err != nil {
		b.log.Error("render failed", zap.Error(err))
		b.sendMessage(chatID, msgProcessingError)
		return
	}
	b.sendMessage(chatID, text.String())

	var chart bytes.Buffer
	if err := res.Chart(&chart, 400); err == nil {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "stages.png", Bytes: chart.Bytes()})
		photo.Caption = "Stage probability distribution"
		if _, err := b.api.Send(photo); err != nil {
			b.log.Warn("send chart failed", zap.Error(err))
		}
	}

	if b.history != nil {
		err := b.history.RecordPrediction(ctx, history.PredictionRecord{
			Source:     "telegram",
			Input:      fileID,
			Stage:      res.Stage,
			Present:    res.Present,
			Confidence: res.Confidence,
		})
		if err != nil {
			b.log.Warn("history write failed", zap.Error(err))
		}
	}
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return b.fetch(ctx, file.Link(b.token))
}

func download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Warn("send message failed", zap.Int64("chat", chatID), zap.Error(err))
	}
}
