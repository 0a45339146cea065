package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	privateChatRate = time.Second
	groupChatRate   = 3 * time.Second

	// Telegram accepts about 30 messages per second across all chats.
	globalRate  = time.Second / 30
	globalBurst = 30

	maxFloodRetries = 1

	// A limiter idle this long has refilled its token and is dropped.
	chatIdleTTL = 10 * time.Minute
)

// API is the part of *tgbotapi.BotAPI the limiter forwards to.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter paces outgoing messages: at most one per second in a private
// chat, one per three seconds in a group, and a global budget on top. Chats
// are paced independently, so a busy group does not delay anyone else.
type RateLimiter struct {
	api         API
	global      *rate.Limiter
	privateRate time.Duration
	groupRate   time.Duration

	mu        sync.Mutex
	chats     map[int64]*chatLimiter
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sleep  func(ctx context.Context, d time.Duration) error
	log    *slog.Logger
}

func New(api API, log *slog.Logger) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())

	return &RateLimiter{
		api:         api,
		global:      rate.NewLimiter(rate.Every(globalRate), globalBurst),
		privateRate: privateChatRate,
		groupRate:   groupChatRate,
		chats:       make(map[int64]*chatLimiter),
		idleTTL:     chatIdleTTL,
		lastSweep:   time.Now(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		sleep:       sleepContext,
		log:         log,
	}
}

// Send waits for a free slot in the target chat and sends the message. A
// flood-control answer is retried once after the delay Telegram asks for.
func (rl *RateLimiter) Send(message tgbotapi.Chattable) (tgbotapi.Message, error) {
	chatID := getChatID(message)

	for attempt := 0; ; attempt++ {
		if err := rl.wait(chatID); err != nil {
			return tgbotapi.Message{}, fmt.Errorf("wait for send slot: %w", err)
		}

		sent, err := rl.api.Send(message)

		retryAfter, flooded := floodWait(err)
		if !flooded || attempt >= maxFloodRetries {
			return sent, err
		}

		rl.log.WarnContext(rl.ctx, "Flood control hit, retrying",
			"chatID", chatID,
			"chattableType", fmt.Sprintf("%T", message),
			"retryAfter", retryAfter)

		if err = rl.sleep(rl.ctx, retryAfter); err != nil {
			return tgbotapi.Message{}, fmt.Errorf("wait for flood control: %w", err)
		}
	}
}

// Request is not paced; it carries chat actions and other cheap calls.
func (rl *RateLimiter) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return rl.api.Request(c)
}

// Stop fails every waiting and future Send.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) wait(chatID int64) error {
	if err := rl.chat(chatID).Wait(rl.ctx); err != nil {
		return err
	}

	return rl.global.Wait(rl.ctx)
}

func (rl *RateLimiter) chat(chatID int64) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evictIdle(now)

	c, ok := rl.chats[chatID]
	if !ok {
		c = &chatLimiter{limiter: rate.NewLimiter(rate.Every(rl.rate(chatID)), 1)}
		rl.chats[chatID] = c
	}
	c.lastUsed = now

	return c.limiter
}

// evictIdle drops limiters unused for idleTTL, at most once per idleTTL.
// Callers hold rl.mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.idleTTL {
		return
	}
	rl.lastSweep = now

	for chatID, c := range rl.chats {
		if now.Sub(c.lastUsed) >= rl.idleTTL {
			delete(rl.chats, chatID)
		}
	}
}

// rate is the minimum gap between two messages; group chats have negative ids.
func (rl *RateLimiter) rate(chatID int64) time.Duration {
	if chatID < 0 {
		return rl.groupRate
	}
	return rl.privateRate
}

func getChatID(message tgbotapi.Chattable) int64 {
	switch m := message.(type) {
	case tgbotapi.MessageConfig:
		return m.ChatID
	case tgbotapi.EditMessageTextConfig:
		return m.ChatID
	case tgbotapi.DeleteMessageConfig:
		return m.ChatID
	case tgbotapi.ChatActionConfig:
		return m.ChatID
	default:
		return 0
	}
}

// floodWait reports the delay requested by a 429 answer.
func floodWait(err error) (time.Duration, bool) {
	var (
		code       int
		retryAfter int
	)

	var apiErrPtr *tgbotapi.Error
	var apiErr tgbotapi.Error

	switch {
	case errors.As(err, &apiErrPtr):
		code, retryAfter = apiErrPtr.Code, apiErrPtr.RetryAfter
	case errors.As(err, &apiErr):
		code, retryAfter = apiErr.Code, apiErr.RetryAfter
	default:
		return 0, false
	}

	if code != http.StatusTooManyRequests {
		return 0, false
	}

	return time.Duration(max(retryAfter, 1)) * time.Second, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
