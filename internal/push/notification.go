// Package push renders push payloads into notifications and delivers them
// to client pages connected over websockets.
package push

import (
	"encoding/json"
	"strings"
)

const defaultBody = "You have a new notification"

// Settings are the fixed presentation values applied to every notification.
type Settings struct {
	AppName string
	Icon    string
	Badge   string
	Vibrate []int
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Payload is the JSON body of an incoming push message.
type Payload struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Message string         `json:"message"`
	URL     string         `json:"url"`
	Data    map[string]any `json:"data"`
	Actions []Action       `json:"actions"`
}

type Notification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Badge   string         `json:"badge,omitempty"`
	Vibrate []int          `json:"vibrate,omitempty"`
	URL     string         `json:"url"`
	Data    map[string]any `json:"data,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
}

// Render turns a raw push body into a notification. A body that is not a
// JSON object is shown as plain text.
func Render(raw []byte, s Settings) Notification {
	n := Notification{
		Title:   s.AppName,
		Body:    defaultBody,
		Icon:    s.Icon,
		Badge:   s.Badge,
		Vibrate: s.Vibrate,
		URL:     "/",
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		if text := strings.TrimSpace(string(raw)); text != "" {
			n.Body = text
		}
		return n
	}

	if p.Title != "" {
		n.Title = p.Title
	}
	switch {
	case p.Body != "":
		n.Body = p.Body
	case p.Message != "":
		n.Body = p.Message
	}
	n.Data = p.Data
	n.Actions = p.Actions
	if u := targetURL(p); u != "" {
		n.URL = u
	}
	return n
}

func targetURL(p Payload) string {
	if p.URL != "" {
		return p.URL
	}
	if u, ok := p.Data["url"].(string); ok {
		return u
	}
	return ""
}
