// Package chat ingests live Twitch IRC messages and enqueues them as jobs for
// the worker pool. The adapter is a thin boundary: it converts an IRC message
// into a MessagePayload and hands it to the store; everything downstream
// (session resolution, eligibility, award) happens in the worker.
package chat

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/Sweetflips/Kickdashboard-sub005/config"
	"github.com/Sweetflips/Kickdashboard-sub005/queue"
)

// ToPayload converts an IRC private message into the enqueue contract.
// The room id doubles as the broadcaster id on Twitch.
func ToPayload(msg twitch.PrivateMessage) *queue.MessagePayload {
	emotes := make([]string, 0, len(msg.Emotes))
	for _, e := range msg.Emotes {
		for i := 0; i < e.Count; i++ {
			emotes = append(emotes, e.Name)
		}
	}
	sentAt := msg.Time
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	return &queue.MessagePayload{
		MessageID:     msg.ID,
		SenderID:      msg.User.ID,
		Username:      msg.User.Name,
		BroadcasterID: msg.RoomID,
		Content:       msg.Message,
		Emotes:        emotes,
		Badges:        msg.User.Badges,
		SentAt:        sentAt.UTC(),
	}
}

// StartIngest connects to Twitch IRC and enqueues every chat message until ctx
// is canceled. Known users are upserted so the award path can check
// eligibility; enqueue failures are logged and dropped, the stream must not
// stall on one bad message.
func StartIngest(ctx context.Context, dbc *sql.DB, store *queue.Store, cfg *config.Config) {
	logger := slog.Default().With(slog.String("component", "chat"))
	if err := cfg.ValidateChatReady(); err != nil {
		logger.Info("chat ingest not configured; skipping", slog.Any("err", err))
		return
	}
	client := twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		payload := ToPayload(msg)
		if err := upsertUser(ctx, dbc, payload.SenderID, payload.Username); err != nil {
			logger.Warn("user upsert failed", slog.String("user_id", payload.SenderID), slog.Any("err", err))
		}
		if err := store.Enqueue(ctx, payload); err != nil {
			logger.Error("enqueue failed",
				slog.String("message_id", payload.MessageID),
				slog.String("user_id", payload.SenderID),
				slog.Any("err", err))
			return
		}
		logger.Debug("message enqueued",
			slog.String("message_id", payload.MessageID),
			slog.String("username", payload.Username),
			slog.Int("emotes", len(payload.Emotes)))
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(cfg.TwitchChannel)
	logger.Info("chat ingest connecting", slog.String("channel", cfg.TwitchChannel))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		logger.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}

// upsertUser records the sender so eligibility checks have a row to consult.
// Existing flags (is_excluded, is_connected) are left untouched.
func upsertUser(ctx context.Context, dbc *sql.DB, userID, username string) error {
	_, err := dbc.ExecContext(ctx, `INSERT INTO users (id, username)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username`,
		userID, username)
	return err
}
