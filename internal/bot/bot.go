// Package bot implements the runtime for a single chat identity. The
// platform connection sits behind the Gateway interface; the runtime
// owns reply triggering, channel memory, energy commands, and the
// degraded-service path when no upstream capacity is left.
package bot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/botfleet/botfleet/internal/decider"
	"github.com/botfleet/botfleet/internal/dispatch"
	"github.com/botfleet/botfleet/internal/memory"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/pkg/models"
)

// Inbound is one message delivered by the gateway.
type Inbound struct {
	ID         string
	ChannelID  string
	UserID     string
	UserName   string
	Content    string
	AuthorBot  bool
	DM         bool
	Mentioned  bool
	ReplyToMe  bool
	Privileged bool
}

// Gateway is the chat-platform boundary. Implementations deliver
// inbound messages on the returned channel until ctx is done.
type Gateway interface {
	Listen(ctx context.Context) (<-chan Inbound, error)
	Send(ctx context.Context, channelID, content string) error
	Typing(ctx context.Context, channelID string)
}

// Options configures a Bot.
type Options struct {
	Name          string
	Character     string
	Type          models.IdentityType
	SystemPrompt  string
	DefaultModel  string
	TargetChannel string
	EnergyChannel string
}

// Bot drives one identity's message loop.
type Bot struct {
	opts       Options
	gateway    Gateway
	dispatcher *dispatch.Dispatcher
	memory     *memory.Memory
	creds      store.CredentialStore
	runtime    store.RuntimeStore

	nameNorm      string
	characterNorm string
}

func New(opts Options, gw Gateway, d *dispatch.Dispatcher, mem *memory.Memory, creds store.CredentialStore, runtime store.RuntimeStore) *Bot {
	return &Bot{
		opts:          opts,
		gateway:       gw,
		dispatcher:    d,
		memory:        mem,
		creds:         creds,
		runtime:       runtime,
		nameNorm:      normalizeTrigger(opts.Name),
		characterNorm: normalizeTrigger(opts.Character),
	}
}

// Run processes gateway messages until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	inbound, err := b.gateway.Listen(ctx)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	log.Info().
		Str("bot", b.opts.Name).
		Str("type", string(b.opts.Type)).
		Msg("bot running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return errors.New("gateway closed")
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *Bot) handle(ctx context.Context, msg Inbound) {
	if msg.AuthorBot {
		return
	}
	if b.handleCommand(ctx, msg) {
		return
	}
	if b.opts.Type == models.IdentityAdmin {
		// Utility identity: commands only, no chitchat.
		return
	}
	if msg.DM || msg.ChannelID != b.opts.TargetChannel {
		return
	}
	b.handleChat(ctx, msg)
}

// ─── Chat Flow ───

func (b *Bot) handleChat(ctx context.Context, msg Inbound) {
	if err := b.memory.Append(ctx, msg.ChannelID, b.opts.Name, models.RoleUser, msg.Content); err != nil {
		log.Warn().Err(err).Str("bot", b.opts.Name).Msg("failed to record inbound turn")
	}

	forced := b.triggered(msg)
	if !forced && decider.LooksLowSignal(msg.Content) {
		return
	}

	history, err := b.memory.Context(ctx, msg.ChannelID, b.opts.Name)
	if err != nil {
		log.Warn().Err(err).Str("bot", b.opts.Name).Msg("failed to load channel context")
		history = nil
	}

	b.gateway.Typing(ctx, msg.ChannelID)

	decision, err := decider.Decide(ctx, b.dispatcher, b.model(ctx), b.opts.SystemPrompt, history, msg.Content, forced)
	if err != nil {
		b.sendDegraded(ctx, msg.ChannelID, err)
		return
	}
	if !decision.ShouldReply {
		return
	}

	if err := b.gateway.Send(ctx, msg.ChannelID, decision.Reply); err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Msg("failed to send reply")
		return
	}
	if err := b.memory.Append(ctx, msg.ChannelID, b.opts.Name, models.RoleAssistant, decision.Reply); err != nil {
		log.Warn().Err(err).Str("bot", b.opts.Name).Msg("failed to record reply turn")
	}
}

// triggered applies the reply rule: an explicit mention, a direct reply
// to one of the bot's messages, or a message that is nothing but the
// bot's name (or its character's name).
func (b *Bot) triggered(msg Inbound) bool {
	if msg.Mentioned || msg.ReplyToMe {
		return true
	}
	norm := normalizeTrigger(msg.Content)
	return norm != "" && (norm == b.nameNorm || norm == b.characterNorm)
}

// sendDegraded answers in-character when the upstream cannot serve.
// The user never sees a raw error and the bot never goes silent on a
// triggered message.
func (b *Bot) sendDegraded(ctx context.Context, channelID string, cause error) {
	log.Error().Err(cause).Str("bot", b.opts.Name).Msg("dispatch failed")

	reply := "I'm running on fumes right now... give me a little while and poke me again?"
	if errors.Is(cause, dispatch.ErrNoCapacity) {
		reply = "I'm completely out of energy right now. Someone needs to top me up before I can chat again."
	}
	if err := b.gateway.Send(ctx, channelID, reply); err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Msg("failed to send degraded reply")
	}
}

// model resolves the runtime override, falling back to the configured
// default when none is set or the store is unreachable.
func (b *Bot) model(ctx context.Context) string {
	override, err := b.runtime.ModelOverride(ctx)
	if err != nil {
		log.Warn().Err(err).Str("bot", b.opts.Name).Msg("model override lookup failed, using default")
		return b.opts.DefaultModel
	}
	if override != "" {
		return override
	}
	return b.opts.DefaultModel
}

// ─── Commands ───

// handleCommand parses and executes text commands. It returns true when
// the message was a command (even a rejected one).
func (b *Bot) handleCommand(ctx context.Context, msg Inbound) bool {
	content := strings.TrimSpace(msg.Content)
	name, rest := splitCommand(content)
	if name == "" {
		return false
	}

	switch name {
	case "add_more_energy":
		b.cmdAddEnergy(ctx, msg, rest)
	case "set_model":
		b.cmdSetModel(ctx, msg, rest)
	case "show_model":
		b.cmdShowModel(ctx, msg)
	case "clear_model":
		b.cmdClearModel(ctx, msg)
	default:
		return false
	}
	return true
}

// splitCommand accepts "cmd args" and "/cmd args" forms.
func splitCommand(content string) (string, string) {
	content = strings.TrimPrefix(content, "/")
	name, rest, _ := strings.Cut(content, " ")
	switch strings.ToLower(name) {
	case "add_more_energy", "set_model", "show_model", "clear_model":
		return strings.ToLower(name), strings.TrimSpace(rest)
	}
	return "", ""
}

// cmdAddEnergy accepts comma-separated credential values. In a guild
// channel the command is restricted to the energy channel and to
// privileged users; over DM anyone may contribute.
func (b *Bot) cmdAddEnergy(ctx context.Context, msg Inbound, args string) {
	source := "channel"
	if msg.DM {
		source = "dm"
	} else {
		if msg.ChannelID != b.opts.EnergyChannel {
			b.reply(ctx, msg, "This command can only be used in the configured energy channel.")
			return
		}
		if !msg.Privileged {
			b.reply(ctx, msg, "Admins only.")
			return
		}
	}

	values := splitKeys(args)
	if len(values) == 0 {
		b.reply(ctx, msg, "Send keys like: add_more_energy key1,key2,key3")
		return
	}

	actor := actorOf(msg)
	added, err := b.creds.AddCredentials(ctx, values, actor, source)
	if err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Str("actor", actor).Msg("credential submission failed")
		b.reply(ctx, msg, "Could not store keys right now, please try again shortly.")
		return
	}

	log.Info().
		Str("bot", b.opts.Name).
		Str("actor", actor).
		Str("source", source).
		Int("added", added).
		Int("skipped", len(values)-added).
		Msg("credentials submitted")
	b.reply(ctx, msg, fmt.Sprintf("Thanks. Stored %d key(s) (skipped %d duplicate(s)).", added, len(values)-added))
}

func (b *Bot) cmdSetModel(ctx context.Context, msg Inbound, args string) {
	if !b.requireEnergyAdmin(ctx, msg) {
		return
	}
	model := strings.TrimSpace(args)
	if model == "" {
		b.reply(ctx, msg, "Model cannot be empty.")
		return
	}
	if err := b.runtime.SetModelOverride(ctx, model, actorOf(msg)); err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Msg("failed to set model override")
		b.reply(ctx, msg, "Failed to set model, please try again shortly.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Updated runtime model for all chatbots to: %s", model))
}

func (b *Bot) cmdShowModel(ctx context.Context, msg Inbound) {
	if !b.requireEnergyAdmin(ctx, msg) {
		return
	}
	override, err := b.runtime.ModelOverride(ctx)
	if err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Msg("failed to read model override")
		b.reply(ctx, msg, "Failed to read model override, please try again shortly.")
		return
	}
	if override != "" {
		b.reply(ctx, msg, fmt.Sprintf("Runtime override model is set to: %s", override))
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("No runtime override model set. Chatbots will use default: %s", b.opts.DefaultModel))
}

func (b *Bot) cmdClearModel(ctx context.Context, msg Inbound) {
	if !b.requireEnergyAdmin(ctx, msg) {
		return
	}
	if err := b.runtime.ClearModelOverride(ctx, actorOf(msg)); err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Msg("failed to clear model override")
		b.reply(ctx, msg, "Failed to clear model override, please try again shortly.")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Cleared runtime model override. Chatbots will now use default: %s", b.opts.DefaultModel))
}

func (b *Bot) requireEnergyAdmin(ctx context.Context, msg Inbound) bool {
	if msg.DM || msg.ChannelID != b.opts.EnergyChannel {
		b.reply(ctx, msg, "This command can only be used in the configured energy channel.")
		return false
	}
	if !msg.Privileged {
		b.reply(ctx, msg, "Admins only.")
		return false
	}
	return true
}

func (b *Bot) reply(ctx context.Context, msg Inbound, content string) {
	if err := b.gateway.Send(ctx, msg.ChannelID, content); err != nil {
		log.Error().Err(err).Str("bot", b.opts.Name).Msg("failed to send command reply")
	}
}

func actorOf(msg Inbound) string {
	if msg.UserName != "" {
		return msg.UserName
	}
	return msg.UserID
}

// ─── Helpers ───

var (
	triggerEdgeRe = regexp.MustCompile(`^[\s\W_]+|[\s\W_]+$`)
	triggerWSRe   = regexp.MustCompile(`\s+`)
)

// normalizeTrigger strips surrounding punctuation and collapses
// whitespace so "Lynae!" still counts as name-only.
func normalizeTrigger(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = triggerEdgeRe.ReplaceAllString(t, "")
	return triggerWSRe.ReplaceAllString(t, " ")
}

func splitKeys(args string) []string {
	parts := strings.Split(args, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			values = append(values, v)
		}
	}
	return values
}
