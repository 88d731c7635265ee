package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/capitalize-ai/resumable-chat/internal/model"
)

const (
	maxIDLength      = 128
	maxContentLength = 100000
	maxTitleLength   = 256
)

// ValidateMessageContent validates the text of a user message.
func ValidateMessageContent(content string) error {
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a client supplied identifier such as a conversation
// id. Empty ids are reported by the services as missing fields.
func ValidateID(id string) error {
	if len(id) > maxIDLength {
		return errors.New("id exceeds maximum length")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return errors.New("id may only contain letters, digits, '-' and '_'")
		}
	}
	return nil
}

// ValidateTitle validates a conversation title.
func ValidateTitle(title string) error {
	if len(title) > maxTitleLength {
		return errors.New("title exceeds maximum length")
	}
	if !utf8.ValidString(title) {
		return errors.New("title must be valid UTF-8")
	}
	return nil
}

// ValidateChatRequest checks the shape of a chat submission. Required fields
// are left to the chat service.
func ValidateChatRequest(req *model.ChatRequest) error {
	if err := ValidateID(req.ConversationID); err != nil {
		return err
	}
	for _, msg := range req.Messages {
		if err := ValidateMessageContent(msg.Text()); err != nil {
			return err
		}
	}
	return nil
}
