// Package persona loads character profiles from a characters.json file
// and assembles the system prompt for a chat identity.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Character is one profile entry.
type Character struct {
	PromptBlock string `json:"prompt_block"`
}

// File is the on-disk layout of characters.json. Aliases map alternate
// spellings to canonical character names.
type File struct {
	Aliases    map[string]string    `json:"aliases"`
	Characters map[string]Character `json:"characters"`
}

// Library holds the loaded character set.
type Library struct {
	aliases    map[string]string
	characters map[string]Character
}

// Load reads and validates a characters.json file.
func Load(path string) (*Library, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read characters file: %w", err)
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse characters file %s: %w", path, err)
	}
	if len(f.Characters) == 0 {
		return nil, fmt.Errorf("characters file %s defines no characters", path)
	}

	return &Library{aliases: f.Aliases, characters: f.Characters}, nil
}

// Resolve maps a requested name through the alias table to its
// canonical form. Aliases are tried verbatim first, then lowercased.
func (l *Library) Resolve(name string) string {
	normalized := strings.TrimSpace(name)
	if l.aliases != nil {
		if canon, ok := l.aliases[normalized]; ok {
			return canon
		}
		if canon, ok := l.aliases[strings.ToLower(normalized)]; ok {
			return canon
		}
	}
	return normalized
}

// PromptBlock returns the raw profile text for a character.
func (l *Library) PromptBlock(name string) (string, error) {
	canon := l.Resolve(name)
	entry, ok := l.characters[canon]
	if !ok || strings.TrimSpace(entry.PromptBlock) == "" {
		return "", fmt.Errorf("character %q not found", canon)
	}
	return strings.TrimSpace(entry.PromptBlock), nil
}

// SystemPrompt assembles the full system prompt for a character. The
// profile block already carries the style; the preamble stays short and
// directive.
func (l *Library) SystemPrompt(name string) (string, error) {
	block, err := l.PromptBlock(name)
	if err != nil {
		return "", err
	}
	return "You are a Discord chat character roleplaying exactly as described below. " +
		"Stay in-character, be helpful, and sound like a real person chatting (natural, not robotic). " +
		"Keep replies concise unless asked for detail.\n\n" +
		"CHARACTER PROFILE:\n" + block + "\n", nil
}

// Names lists the canonical character names.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.characters))
	for name := range l.characters {
		names = append(names, name)
	}
	return names
}
