// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the admission gate that every inbound request
// crosses before any other component sees it.
//
// The decision chain is fixed: whitelist, then lockout, then group-chat
// relevance, then session presence. Non-whitelisted senders are dropped
// silently; replying "not authorized" would confirm to a scanner that
// something is listening.
package security

import (
	"strings"
	"time"
)

// =============================================================================
// REQUEST MODEL
// =============================================================================

// ChatKind distinguishes direct chats from group contexts.
type ChatKind int

const (
	// ChatDirect is a one-on-one conversation with the operator.
	ChatDirect ChatKind = iota

	// ChatGroup is a multi-party chat where most traffic is not for us.
	ChatGroup
)

// Request is the guard's view of one inbound message.
type Request struct {
	// Identity is the numeric principal id of the sender.
	Identity int64

	// Chat is the kind of conversation the message arrived in.
	Chat ChatKind

	// Text is the raw message text.
	Text string

	// Command is the parsed command name ("auth", "status", ...) or empty
	// for plain chatter.
	Command string

	// BotMention is the token used to address the bot in groups
	// (e.g. "@aegisbridge_bot").
	BotMention string

	// MentionsBot is true when the text explicitly addresses the bot.
	MentionsBot bool

	// ReplyToBot is true when the message replies to one of the bot's own
	// prior messages.
	ReplyToBot bool

	// HasMedia is true for voice, photo, and document payloads.
	HasMedia bool
}

// Reason classifies why a request was refused (or admitted).
type Reason int

const (
	// Allowed means the request passed all checks.
	Allowed Reason = iota

	// NotWhitelisted means the sender is unknown. Always silent.
	NotWhitelisted

	// IgnoredGroupChatter means group traffic not addressed to the bot.
	// Always silent.
	IgnoredGroupChatter

	// LockedOut means the sender is inside an active lockout window.
	LockedOut

	// AuthRequired means the command needs an authenticated session.
	AuthRequired

	// RateLimited is produced above the guard, when an admitted request
	// exceeds its rate budget.
	RateLimited
)

// String implements fmt.Stringer for audit records.
func (r Reason) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case NotWhitelisted:
		return "not_whitelisted"
	case IgnoredGroupChatter:
		return "ignored_group_chatter"
	case LockedOut:
		return "locked_out"
	case AuthRequired:
		return "auth_required"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Decision is the guard's verdict on one request.
type Decision struct {
	// Allowed is true when the request may proceed.
	Allowed bool

	// Reason classifies the verdict.
	Reason Reason

	// Silent is true when no reply of any kind should be sent.
	Silent bool

	// RetryAfter is how long a locked-out sender must wait.
	RetryAfter time.Duration

	// CleanText is the message text with the bot mention stripped, ready
	// for downstream handlers.
	CleanText string
}

// =============================================================================
// GUARD
// =============================================================================

// SessionChecker is the slice of the session store the guard needs. Kept
// as a local interface so the guard does not import the session package.
type SessionChecker interface {
	IsAuthenticated(identity int64) bool
	Touch(identity int64)
}

// authCommand is the command that carries PIN attempts.
const authCommand = "auth"

// openCommands may be issued without an authenticated session: the
// greeting, the help text, and the authentication command itself.
// Everything else, commands and plain prompts alike, needs a session.
var openCommands = map[string]bool{
	"start":     true,
	"help":      true,
	authCommand: true,
}

// Guard composes whitelist, lockout, group filtering, and session checks
// into a single admission decision.
type Guard struct {
	whitelist map[int64]bool
	lockout   *LockoutTracker
	sessions  SessionChecker
}

// NewGuard builds a guard over the given whitelist. The lockout tracker
// and session checker are required collaborators.
func NewGuard(whitelist []int64, lockout *LockoutTracker, sessions SessionChecker) *Guard {
	wl := make(map[int64]bool, len(whitelist))
	for _, id := range whitelist {
		wl[id] = true
	}
	return &Guard{
		whitelist: wl,
		lockout:   lockout,
		sessions:  sessions,
	}
}

// Admit runs the full decision chain for one request. On an allowed
// request it refreshes the sender's session activity.
func (g *Guard) Admit(req Request) Decision {
	// SECURITY: AC-3. Unknown senders get nothing back, not even a
	// refusal.
	if !g.whitelist[req.Identity] {
		return Decision{Reason: NotWhitelisted, Silent: true}
	}

	// Group filtering comes before lockout so ordinary group chatter
	// from a locked-out member stays silent instead of leaking a
	// lockout reply into the channel.
	clean := req.Text
	if req.Chat == ChatGroup {
		if !g.relevantInGroup(req) {
			return Decision{Reason: IgnoredGroupChatter, Silent: true}
		}
		clean = stripMention(req.Text, req.BotMention)
	}

	// SECURITY: AC-7. A locked-out sender cannot act, not even
	// authenticate. The one exception is paranoid mode with no personal
	// backoff window: there a correct PIN is the designed way back to
	// trusted state, so the auth command is let through to attempt it.
	if locked, remaining := g.lockout.IsLockedOut(req.Identity); locked {
		inBackoff, _ := g.lockout.InBackoff(req.Identity)
		if inBackoff || req.Command != authCommand {
			return Decision{Reason: LockedOut, RetryAfter: remaining}
		}
	}

	// SECURITY: AC-3. Session presence gates everything that is not an
	// open command; a plain prompt is provider traffic and needs a
	// session exactly like a closed command does.
	if !openCommands[req.Command] {
		if !g.sessions.IsAuthenticated(req.Identity) {
			return Decision{Reason: AuthRequired, CleanText: clean}
		}
	}

	g.sessions.Touch(req.Identity)
	return Decision{Allowed: true, Reason: Allowed, CleanText: clean}
}

// RecordFailedAuth reports a failed PIN attempt back into the lockout
// tracker and returns the new cumulative count.
func (g *Guard) RecordFailedAuth(identity int64) int {
	return g.lockout.RecordFailure(identity)
}

// ClearFailedAuth wipes the failure record after a successful
// authentication.
func (g *Guard) ClearFailedAuth(identity int64) {
	g.lockout.ClearFailures(identity)
}

// Whitelisted reports whether identity is a known principal.
func (g *Guard) Whitelisted(identity int64) bool {
	return g.whitelist[identity]
}

// relevantInGroup decides whether a group message is addressed to us at
// all. Commands, explicit mentions, replies to our own messages, and
// media all count; plain chatter does not.
func (g *Guard) relevantInGroup(req Request) bool {
	if req.Command != "" {
		return true
	}
	if req.MentionsBot {
		return true
	}
	if req.BotMention != "" && strings.Contains(req.Text, req.BotMention) {
		return true
	}
	if req.ReplyToBot {
		return true
	}
	return req.HasMedia
}

// stripMention removes the bot's mention token so downstream handlers see
// clean input.
func stripMention(text, mention string) string {
	if mention == "" {
		return text
	}
	cleaned := strings.ReplaceAll(text, mention, "")
	return strings.TrimSpace(strings.Join(strings.Fields(cleaned), " "))
}
