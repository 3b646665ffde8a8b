// Package telegram is the bot front end: it runs the conversation that
// collects a website URL from a user and delivers the built APK back.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apkforge/apkforge/internal/builder"
	"github.com/apkforge/apkforge/internal/queue"
	"github.com/apkforge/apkforge/internal/ratelimit"
	"github.com/apkforge/apkforge/pkg/api"
)

// Sender is the slice of the Telegram API the handlers need. Narrowing it
// to one method keeps the handlers testable without a live bot token.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// JobQueue submits build jobs
type JobQueue interface {
	Submit(job *api.Job, complete queue.CompletionFunc) (int, error)
}

// JobStore looks up job history for /status
type JobStore interface {
	LastJobForUser(userID int64) (*api.Job, error)
}

// Bot runs the Telegram conversation loop
type Bot struct {
	api      *tgbotapi.BotAPI
	sender   Sender
	queue    JobQueue
	store    JobStore
	limiter  ratelimit.Limiter
	logger   *logrus.Logger
	mu       sync.Mutex
	awaiting map[int64]bool // chats waiting for a URL reply
}

// NewBot creates a bot connected to the Telegram API
func NewBot(token string, q JobQueue, store JobStore, limiter ratelimit.Limiter, logger *logrus.Logger) (*Bot, error) {
	botAPI, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}

	logger.WithField("account", botAPI.Self.UserName).Info("Authorized on Telegram")

	bot := newBot(botAPI, q, store, limiter, logger)
	bot.api = botAPI
	return bot, nil
}

// NewBotWithSender creates a bot on a custom sender, used in tests
func NewBotWithSender(sender Sender, q JobQueue, store JobStore, limiter ratelimit.Limiter, logger *logrus.Logger) *Bot {
	return newBot(sender, q, store, limiter, logger)
}

func newBot(sender Sender, q JobQueue, store JobStore, limiter ratelimit.Limiter, logger *logrus.Logger) *Bot {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Bot{
		sender:   sender,
		queue:    q,
		store:    store,
		limiter:  limiter,
		logger:   logger,
		awaiting: make(map[int64]bool),
	}
}

// Run polls for updates until the context is cancelled
func (b *Bot) Run(ctx context.Context) error {
	if b.api == nil {
		return fmt.Errorf("bot has no Telegram connection")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Bot started, polling for updates")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("Bot stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate dispatches one incoming update
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}

	msg := update.Message
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			b.handleStart(chatID, userID)
		case "cancel":
			b.handleCancel(chatID)
		case "help":
			b.handleHelp(chatID)
		case "status":
			b.handleStatus(chatID, userID)
		default:
			b.reply(chatID, "Unknown command. Use /help to see what I can do.")
		}
		return
	}

	b.mu.Lock()
	waiting := b.awaiting[chatID]
	b.mu.Unlock()

	if waiting && msg.Text != "" {
		b.handleURL(ctx, chatID, userID, msg.Text)
		return
	}

	b.reply(chatID, "Send /start to begin creating your custom APK.")
}

// handleStart opens a conversation and asks for the URL
func (b *Bot) handleStart(chatID, userID int64) {
	b.mu.Lock()
	b.awaiting[chatID] = true
	b.mu.Unlock()

	text := fmt.Sprintf(
		"✨ Welcome! Your user ID is: `%d`\n\n"+
			"Please send me the website URL you want to embed in the app:",
		userID,
	)
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	b.send(msg)
}

// handleCancel clears the conversation state
func (b *Bot) handleCancel(chatID int64) {
	b.mu.Lock()
	delete(b.awaiting, chatID)
	b.mu.Unlock()

	b.reply(chatID, "❌ Operation cancelled.")
}

// handleHelp lists the available commands
func (b *Bot) handleHelp(chatID int64) {
	msg := tgbotapi.NewMessage(chatID,
		"🤖 *APK Generator Bot*\n\n"+
			"Commands:\n"+
			"/start - Start the APK creation process\n"+
			"/status - Show your last build\n"+
			"/cancel - Cancel current operation\n"+
			"/help - Show this help message\n\n"+
			"This bot creates a custom APK with your user ID and chosen URL.")
	msg.ParseMode = tgbotapi.ModeMarkdown
	b.send(msg)
}

// handleStatus reports the user's most recent job
func (b *Bot) handleStatus(chatID, userID int64) {
	job, err := b.store.LastJobForUser(userID)
	if err != nil {
		b.reply(chatID, "You have no builds yet. Send /start to create one.")
		return
	}

	var text string
	switch job.State {
	case api.JobPending:
		text = "⏳ Your build is queued."
	case api.JobBuilding:
		text = "⚙️ Your build is in progress."
	case api.JobSucceeded:
		text = fmt.Sprintf("✅ Your last build succeeded (%s).", job.OutputName)
	case api.JobFailed:
		text = fmt.Sprintf("❌ Your last build failed: %s", job.Error)
	default:
		text = fmt.Sprintf("Your last build is in state %q.", job.State)
	}
	b.reply(chatID, text)
}

// handleURL validates the URL and submits a build job
func (b *Bot) handleURL(ctx context.Context, chatID, userID int64, text string) {
	req := builder.Request{UserID: userID, URL: text}
	if err := builder.ValidateRequest(req); err != nil {
		b.reply(chatID, "⚠️ That doesn't look like a valid http(s) URL. Please send the full address, e.g. https://example.com")
		return
	}

	if b.limiter != nil {
		allowed, err := b.limiter.Allow(ctx, userID)
		if err != nil {
			b.logger.WithError(err).Warn("Rate limiter check failed")
		}
		if !allowed {
			b.reply(chatID, "⚠️ You've reached your build limit for now. Please try again later.")
			return
		}
	}

	job := &api.Job{
		ID:        uuid.New().String(),
		UserID:    userID,
		ChatID:    chatID,
		URL:       text,
		State:     api.JobPending,
		CreatedAt: time.Now(),
	}

	position, err := b.queue.Submit(job, b.deliver)
	if err != nil {
		if err == queue.ErrQueueFull {
			b.reply(chatID, "⚠️ The build queue is full right now. Please try again in a few minutes.")
		} else {
			b.logger.WithError(err).Error("Failed to submit job")
			b.reply(chatID, "❌ Something went wrong submitting your build. Please try again.")
		}
		return
	}

	b.mu.Lock()
	delete(b.awaiting, chatID)
	b.mu.Unlock()

	b.reply(chatID, fmt.Sprintf(
		"⚙️ Processing your APK... This may take 1-2 minutes.\nYour position in the queue: %d", position))
}

// deliver is the job completion callback: it uploads the signed APK or
// reports the failure, then releases the build workspace
func (b *Bot) deliver(job *api.Job, result *builder.Result, err error) {
	if err != nil {
		b.reply(job.ChatID, fmt.Sprintf(
			"❌ Error creating APK: %s\n\nPlease try again or contact support.", err))
		return
	}
	defer result.Cleanup()

	doc := tgbotapi.NewDocument(job.ChatID, tgbotapi.FilePath(result.Path))
	doc.Caption = "✅ Your custom APK is ready!\n\n" +
		"📱 You can now install this on your Android device.\n" +
		"⚠️ Make sure to enable 'Install from Unknown Sources' in your settings."

	if _, sendErr := b.sender.Send(doc); sendErr != nil {
		b.logger.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"chat_id": job.ChatID,
		}).WithError(sendErr).Error("Failed to deliver APK")
		b.reply(job.ChatID, "❌ Your APK was built but could not be delivered. Please try again.")
		return
	}

	b.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.UserID,
	}).Info("APK delivered")
}

// reply sends a plain text message
func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

// send pushes a message through the sender, logging delivery failures
func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.sender.Send(c); err != nil {
		b.logger.WithError(err).Error("Failed to send Telegram message")
	}
}
