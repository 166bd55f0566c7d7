// Package notification tells users when a linked institution needs attention.
package notification

import (
	"context"
	"fmt"
	"log"

	"finsync/internal/shared/messages"
)

// Notification categories
const (
	CategoryAccounts = "accounts"
)

// UserTopic is the FCM topic every device of a user subscribes to.
func UserTopic(userID int64) string {
	return fmt.Sprintf("user-%d", userID)
}

// Service contains the business logic for notification operations
type Service struct {
	messenger Messenger
	texts     *messages.Messages
}

// NewService creates a new notification service. A nil messenger turns
// every send into a no-op; nil texts use the built-in defaults.
func NewService(messenger Messenger, texts *messages.Messages) *Service {
	if texts == nil {
		texts = messages.Defaults()
	}
	return &Service{messenger: messenger, texts: texts}
}

// SendRelinkRequired asks the user to reconnect an institution whose
// credential has expired or been revoked. Failures are logged, not returned.
func (s *Service) SendRelinkRequired(ctx context.Context, userID int64, enrollmentID, institution, status string) {
	if s == nil || s.messenger == nil {
		return
	}

	if institution == "" {
		institution = "your bank"
	}
	text := s.texts.RelinkRequired.Render(map[string]string{"institution": institution})
	data := map[string]string{
		"category":     CategoryAccounts,
		"action":       "relink",
		"enrollmentId": enrollmentID,
		"status":       status,
	}

	if err := s.messenger.SendToTopic(ctx, UserTopic(userID), text.Title, text.Body, data); err != nil {
		log.Printf("User %d: Failed to send relink notification: %v", userID, err)
	}
}
