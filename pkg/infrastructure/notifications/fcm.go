// Package notifications delivers sync outcome pushes over FCM. A user
// gets at most one visible notification per sync session: repeated
// sends for the same session collapse into the latest one.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
)

type FCMAdapter struct {
	client *messaging.Client
	fs     *firestore.Client
}

func NewFCMAdapter(ctx context.Context, app *firebase.App, fs *firestore.Client) (*FCMAdapter, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}
	return &FCMAdapter{client: client, fs: fs}, nil
}

// SendPushNotification multicasts the message to all of the user's
// registered devices. data carries the session id and status so the
// client can deep-link into the session; the session id also keys the
// collapse, so a completion push replaces an earlier failure push
// instead of stacking next to it.
func (a *FCMAdapter) SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error {
	if len(tokens) == 0 {
		slog.Debug("No tokens for user, skipping notification", "user_id", userID)
		return nil
	}

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}
	if sessionID := data["session_id"]; sessionID != "" {
		message.Android = &messaging.AndroidConfig{
			CollapseKey:  sessionID,
			Notification: &messaging.AndroidNotification{Tag: sessionID},
		}
		message.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-collapse-id": sessionID},
		}
	}

	slog.Info("Sending sync notification",
		"user_id", userID,
		"token_count", len(tokens),
		"session_id", data["session_id"],
	)

	response, err := a.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send multicast message: %w", err)
	}

	if response.SuccessCount > 0 {
		a.recordDelivery(ctx, userID)
	}
	if response.FailureCount > 0 {
		slog.Warn("Some sync notifications failed to send",
			"user_id", userID,
			"failure_count", response.FailureCount,
			"success_count", response.SuccessCount,
		)
		a.cleanupDeadTokens(ctx, userID, tokens, response.Responses)
	}

	return nil
}

// recordDelivery stamps the user document so support can tell whether a
// "I never got the sync push" report is a delivery problem or a token
// problem.
func (a *FCMAdapter) recordDelivery(ctx context.Context, userID string) {
	_, err := a.fs.Collection("users").Doc(userID).Update(ctx, []firestore.Update{
		{Path: "last_notified_at", Value: time.Now()},
	})
	if err != nil {
		slog.Warn("Failed to record notification delivery", "user_id", userID, "error", err)
	}
}

// cleanupDeadTokens removes FCM tokens that returned NotRegistered from
// the user document, so completed-sync pushes stop fanning out to
// devices the user wiped or logged out of.
func (a *FCMAdapter) cleanupDeadTokens(ctx context.Context, userID string, tokens []string, responses []*messaging.SendResponse) {
	var deadTokens []interface{}
	for i, resp := range responses {
		if resp.Error != nil && messaging.IsRegistrationTokenNotRegistered(resp.Error) {
			deadTokens = append(deadTokens, tokens[i])
		}
	}

	if len(deadTokens) == 0 {
		return
	}

	slog.Info("Removing dead FCM tokens", "user_id", userID, "count", len(deadTokens))
	_, err := a.fs.Collection("users").Doc(userID).Update(ctx, []firestore.Update{
		{Path: "fcm_tokens", Value: firestore.ArrayRemove(deadTokens...)},
	})
	if err != nil {
		slog.Error("Failed to remove dead FCM tokens", "user_id", userID, "error", err)
	}
}
