// Package messages loads user-facing push notification texts so they can be
// localized without a rebuild.
package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Render substitutes {name} placeholders in the title and body.
func (m MessageText) Render(vars map[string]string) MessageText {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	return MessageText{Title: r.Replace(m.Title), Body: r.Replace(m.Body)}
}

type Messages struct {
	RelinkRequired MessageText `json:"relink_required"`
}

// Defaults returns the built-in English texts.
func Defaults() *Messages {
	return &Messages{
		RelinkRequired: MessageText{
			Title: "Reconnect your account",
			Body:  "We lost access to {institution}. Reconnect to keep your balances up to date.",
		},
	}
}

// Load reads a notifications JSON file. Texts missing from the file keep
// their defaults.
func Load(path string) (*Messages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	msgs := Defaults()
	var fromFile Messages
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	if fromFile.RelinkRequired.Title != "" {
		msgs.RelinkRequired.Title = fromFile.RelinkRequired.Title
	}
	if fromFile.RelinkRequired.Body != "" {
		msgs.RelinkRequired.Body = fromFile.RelinkRequired.Body
	}
	return msgs, nil
}
