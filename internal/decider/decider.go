// Package decider routes incoming chat messages: it asks the language
// model whether the bot should reply at all, and if so, generates the
// in-character reply in the same call. The model returns a small JSON
// object; malformed output is treated as a decision to stay silent.
package decider

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/botfleet/botfleet/pkg/models"
)

// MaxReplyLen is the hard cap on generated reply length, in runes.
const MaxReplyLen = 1800

const routerSystem = "You are a message router for a Discord bot. " +
	"Decide whether the assistant should reply to the USER's message. " +
	"Only reply if it would be helpful or the user is addressing the bot. " +
	"If replying, generate the reply IN CHARACTER using the character profile. " +
	"The reply should feel human and natural (casual Discord tone), and avoid stiff assistant phrasing. " +
	"Return ONLY valid JSON in this exact schema:\n" +
	"{\"should_reply\": true/false, \"reply\": \"...\"}\n" +
	"If should_reply is false, reply must be an empty string."

// contextWindow bounds how much recent channel history the router sees.
const contextWindow = 12

// Chatter is the model call the decider runs on. It matches the
// dispatcher's Dispatch signature.
type Chatter interface {
	Dispatch(ctx context.Context, model string, messages []models.ChatMessage) (string, error)
}

// Decision is the router's verdict.
type Decision struct {
	ShouldReply bool
	Reply       string
}

var lowSignalRe = regexp.MustCompile(`^[\W_]+$`)

// LooksLowSignal reports whether a message is too thin to bother the
// model with: empty, under three characters, or punctuation-only.
func LooksLowSignal(content string) bool {
	c := strings.TrimSpace(content)
	if c == "" || utf8.RuneCountInString(c) < 3 {
		return true
	}
	return lowSignalRe.MatchString(c)
}

// Decide asks the model whether to reply and what to say. forceReply
// skips the low-signal filter (used for mentions and direct replies);
// the model still gets the final word on whether to answer.
func Decide(ctx context.Context, chatter Chatter, model, systemPrompt string, channelContext []models.ChatMessage, userMessage string, forceReply bool) (Decision, error) {
	if !forceReply && LooksLowSignal(userMessage) {
		return Decision{}, nil
	}

	messages := make([]models.ChatMessage, 0, len(channelContext)+3)
	messages = append(messages,
		models.ChatMessage{Role: "system", Content: routerSystem},
		models.ChatMessage{Role: "system", Content: systemPrompt},
	)
	// Leading system messages carry the conversation summary; only the
	// turn history after them is windowed.
	lead := 0
	for lead < len(channelContext) && channelContext[lead].Role == "system" {
		lead++
	}
	messages = append(messages, channelContext[:lead]...)
	history := channelContext[lead:]
	start := 0
	if len(history) > contextWindow {
		start = len(history) - contextWindow
	}
	messages = append(messages, history[start:]...)
	messages = append(messages, models.ChatMessage{Role: "user", Content: userMessage})

	raw, err := chatter.Dispatch(ctx, model, messages)
	if err != nil {
		return Decision{}, err
	}
	return parseDecision(raw), nil
}

type verdict struct {
	ShouldReply bool   `json:"should_reply"`
	Reply       string `json:"reply"`
}

// parseDecision extracts the first {...} block from the raw model
// output and maps it onto a Decision. Malformed output means no reply.
func parseDecision(raw string) Decision {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return Decision{}
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return Decision{}
	}
	if !v.ShouldReply {
		return Decision{}
	}

	reply := strings.TrimSpace(v.Reply)
	if reply == "" {
		// Model wanted to reply but produced nothing usable.
		reply = "Got you. Give me a second—what exactly do you want to do next?"
	}
	return Decision{ShouldReply: true, Reply: Clamp(reply)}
}

// Clamp truncates a reply to MaxReplyLen runes, appending an ellipsis
// when it cuts.
func Clamp(reply string) string {
	if utf8.RuneCountInString(reply) <= MaxReplyLen {
		return reply
	}
	runes := []rune(reply)
	return strings.TrimRight(string(runes[:MaxReplyLen]), " \t\n") + "…"
}
