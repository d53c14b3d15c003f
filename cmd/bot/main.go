// Thin Telegram transport: long polling, every request goes to the backend
// API. No conversation state lives here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/membot/membot-backend/internal/config"
)

const newQueryButton = "New query"

const helpText = "Available commands:\n" +
	"• /start — reset the context and start over\n" +
	"• /help — this message\n\n" +
	"You can also press the \"" + newQueryButton + "\" button to reset the context."

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Bot.Token == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("failed to create bot")
	}

	api := NewBackendClient(cfg.Bot.BackendURL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
		bot.StopReceivingUpdates()
	}()

	log.WithFields(logrus.Fields{
		"username": bot.Self.UserName,
		"backend":  cfg.Bot.BackendURL,
	}).Info("bot started")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for update := range updates {
		go handleUpdate(ctx, log, bot, api, update)
	}
}

func handleUpdate(ctx context.Context, log *logrus.Logger, bot *tgbotapi.BotAPI, api *BackendClient, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}

	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	userID := fmt.Sprintf("%d", msg.From.ID)

	switch {
	case msg.IsCommand() && msg.Command() == "start":
		resetContext(ctx, log, api, chatID)
		send(log, bot, msg.Chat.ID, "Starting fresh — say something.")
	case msg.IsCommand() && msg.Command() == "help":
		send(log, bot, msg.Chat.ID, helpText)
	case strings.TrimSpace(msg.Text) == newQueryButton:
		resetContext(ctx, log, api, chatID)
		send(log, bot, msg.Chat.ID, "Context cleared. What's next?")
	case strings.TrimSpace(msg.Text) != "":
		reply, err := api.HandleChat(ctx, userID, chatID, msg.Text)
		if err != nil {
			log.WithField("chat_id", chatID).WithError(err).Error("backend call failed")
			send(log, bot, msg.Chat.ID, "Something went wrong, please try again.")
			return
		}
		send(log, bot, msg.Chat.ID, reply)
	}
}

func resetContext(ctx context.Context, log *logrus.Logger, api *BackendClient, chatID string) {
	if err := api.ResetChat(ctx, chatID); err != nil {
		log.WithField("chat_id", chatID).WithError(err).Error("failed to reset session")
	}
}

func send(log *logrus.Logger, bot *tgbotapi.BotAPI, chatID int64, text string) {
	reply := tgbotapi.NewMessage(chatID, text)
	keyboard := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(newQueryButton)),
	)
	keyboard.ResizeKeyboard = true
	reply.ReplyMarkup = keyboard

	if _, err := bot.Send(reply); err != nil {
		log.WithField("chat_id", chatID).WithError(err).Error("failed to send message")
	}
}
