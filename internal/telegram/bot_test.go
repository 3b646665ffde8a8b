package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/builder"
	"github.com/apkforge/apkforge/internal/queue"
	"github.com/apkforge/apkforge/internal/ratelimit"
	"github.com/apkforge/apkforge/pkg/api"
)

// MockSender captures outgoing Telegram messages
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

// capturingSender records sent messages without expectations
type capturingSender struct {
	sent []tgbotapi.Chattable
}

func (s *capturingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

func (s *capturingSender) lastText(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, s.sent)
	msg, ok := s.sent[len(s.sent)-1].(tgbotapi.MessageConfig)
	require.True(t, ok, "last sent item is not a text message")
	return msg.Text
}

// MockQueue mocks job submission
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Submit(job *api.Job, complete queue.CompletionFunc) (int, error) {
	args := m.Called(job, complete)
	return args.Int(0), args.Error(1)
}

// MockStore mocks job lookups
type MockStore struct {
	mock.Mock
}

func (m *MockStore) LastJobForUser(userID int64) (*api.Job, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.Job), args.Error(1)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func textUpdate(chatID, userID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := text
		if idx := strings.IndexByte(cmd, ' '); idx >= 0 {
			cmd = cmd[:idx]
		}
		msg.Entities = []tgbotapi.MessageEntity{{
			Type:   "bot_command",
			Offset: 0,
			Length: len(cmd),
		}}
	}
	return tgbotapi.Update{UpdateID: 1, Message: msg}
}

func TestBotConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("StartAsksForURL", func(t *testing.T) {
		sender := &capturingSender{}
		bot := NewBotWithSender(sender, &MockQueue{}, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))

		text := sender.lastText(t)
		assert.Contains(t, text, "42")
		assert.Contains(t, text, "URL")
	})

	t.Run("URLWithoutStartGetsHint", func(t *testing.T) {
		sender := &capturingSender{}
		bot := NewBotWithSender(sender, &MockQueue{}, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))

		assert.Contains(t, sender.lastText(t), "/start")
	})

	t.Run("ValidURLSubmitsJob", func(t *testing.T) {
		sender := &capturingSender{}
		q := &MockQueue{}
		q.On("Submit", mock.MatchedBy(func(job *api.Job) bool {
			return job.UserID == 42 && job.ChatID == 10 && job.URL == "https://example.com"
		}), mock.Anything).Return(1, nil)

		bot := NewBotWithSender(sender, q, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))
		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))

		assert.Contains(t, sender.lastText(t), "Processing your APK")
		q.AssertExpectations(t)

		// Conversation closed: another URL is no longer treated as input.
		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://other.example.com"))
		assert.Contains(t, sender.lastText(t), "/start")
	})

	t.Run("InvalidURLKeepsConversationOpen", func(t *testing.T) {
		sender := &capturingSender{}
		q := &MockQueue{}
		q.On("Submit", mock.Anything, mock.Anything).Return(1, nil)

		bot := NewBotWithSender(sender, q, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))
		bot.HandleUpdate(ctx, textUpdate(10, 42, "not a url"))
		assert.Contains(t, sender.lastText(t), "valid http(s) URL")

		// The user can correct themselves without /start again.
		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))
		assert.Contains(t, sender.lastText(t), "Processing your APK")
	})

	t.Run("CancelClearsConversation", func(t *testing.T) {
		sender := &capturingSender{}
		bot := NewBotWithSender(sender, &MockQueue{}, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))
		bot.HandleUpdate(ctx, textUpdate(10, 42, "/cancel"))
		assert.Contains(t, sender.lastText(t), "cancelled")

		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))
		assert.Contains(t, sender.lastText(t), "/start")
	})

	t.Run("QueueFull", func(t *testing.T) {
		sender := &capturingSender{}
		q := &MockQueue{}
		q.On("Submit", mock.Anything, mock.Anything).Return(0, queue.ErrQueueFull)

		bot := NewBotWithSender(sender, q, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))
		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))

		assert.Contains(t, sender.lastText(t), "queue is full")
	})

	t.Run("RateLimited", func(t *testing.T) {
		sender := &capturingSender{}
		q := &MockQueue{}
		limiter := ratelimit.NewMemoryLimiter(1, time.Hour)
		q.On("Submit", mock.Anything, mock.Anything).Return(1, nil).Once()

		bot := NewBotWithSender(sender, q, &MockStore{}, limiter, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))
		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))
		assert.Contains(t, sender.lastText(t), "Processing your APK")

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/start"))
		bot.HandleUpdate(ctx, textUpdate(10, 42, "https://example.com"))
		assert.Contains(t, sender.lastText(t), "build limit")
	})

	t.Run("Help", func(t *testing.T) {
		sender := &capturingSender{}
		bot := NewBotWithSender(sender, &MockQueue{}, &MockStore{}, nil, testLogger())

		bot.HandleUpdate(ctx, textUpdate(10, 42, "/help"))
		text := sender.lastText(t)
		assert.Contains(t, text, "/start")
		assert.Contains(t, text, "/cancel")
	})

	t.Run("StatusVariants", func(t *testing.T) {
		sender := &capturingSender{}
		store := &MockStore{}
		bot := NewBotWithSender(sender, &MockQueue{}, store, nil, testLogger())

		store.On("LastJobForUser", int64(1)).Return(nil, errors.New("not found")).Once()
		bot.HandleUpdate(ctx, textUpdate(10, 1, "/status"))
		assert.Contains(t, sender.lastText(t), "no builds yet")

		store.On("LastJobForUser", int64(2)).Return(&api.Job{State: api.JobBuilding}, nil).Once()
		bot.HandleUpdate(ctx, textUpdate(10, 2, "/status"))
		assert.Contains(t, sender.lastText(t), "in progress")

		store.On("LastJobForUser", int64(3)).Return(&api.Job{
			State: api.JobFailed, Error: "rebuild failed",
		}, nil).Once()
		bot.HandleUpdate(ctx, textUpdate(10, 3, "/status"))
		assert.Contains(t, sender.lastText(t), "rebuild failed")
	})
}

func TestDeliver(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		sender := &capturingSender{}
		bot := NewBotWithSender(sender, &MockQueue{}, &MockStore{}, nil, testLogger())

		dir := t.TempDir()
		path := filepath.Join(dir, "magnet_42.apk")
		require.NoError(t, os.WriteFile(path, []byte("signed"), 0644))

		cleaned := false
		job := &api.Job{ID: "j1", UserID: 42, ChatID: 10}
		result := &builder.Result{
			Path:    path,
			Name:    "magnet_42.apk",
			Size:    6,
			Cleanup: func() { cleaned = true },
		}

		bot.deliver(job, result, nil)

		require.NotEmpty(t, sender.sent)
		doc, ok := sender.sent[len(sender.sent)-1].(tgbotapi.DocumentConfig)
		require.True(t, ok)
		assert.Contains(t, doc.Caption, "ready")
		assert.True(t, cleaned)
	})

	t.Run("FailureReportsError", func(t *testing.T) {
		sender := &capturingSender{}
		bot := NewBotWithSender(sender, &MockQueue{}, &MockStore{}, nil, testLogger())

		job := &api.Job{ID: "j1", UserID: 42, ChatID: 10}
		bot.deliver(job, nil, fmt.Errorf("rebuild failed: %w", errors.New("apktool b exited 1")))

		text := sender.lastText(t)
		assert.Contains(t, text, "Error creating APK")
		assert.Contains(t, text, "rebuild failed")
	})
}
