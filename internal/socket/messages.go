package socket

import (
	"encoding/json"

	"walletsync/internal/domain"
)

// SubscriptionEvent is an event kind a watcher can subscribe an address to.
type SubscriptionEvent string

const (
	EventActions        SubscriptionEvent = "actions"
	EventPendingActions SubscriptionEvent = "pending_actions"
	EventBalanceChange  SubscriptionEvent = "balance_change"
	EventTokenBalances  SubscriptionEvent = "token_balances"
)

// clientMessage is any message sent to the streaming service.
type clientMessage struct {
	Operation string `json:"operation"` // "configure" | "set_subscription" | "ping"
	ID        string `json:"id,omitempty"`

	// configure
	IncludeAddressBook   bool     `json:"include_address_book,omitempty"`
	SupportedActionTypes []string `json:"supported_action_types,omitempty"`

	// set_subscription
	Subscriptions map[string][]SubscriptionEvent `json:"subscriptions,omitempty"`
}

// serverMessage is the union of everything the streaming service sends.
// Status messages carry Status; event messages carry Type.
type serverMessage struct {
	Status string `json:"status,omitempty"` // "subscription_set"
	ID     string `json:"id,omitempty"`

	Type string `json:"type,omitempty"` // "actions" | "pending_actions" | "invalidated" | "balance_change" | "token_balance_change"

	// actions / pending_actions / invalidated
	MessageHashNorm string      `json:"message_hash_norm,omitempty"`
	Actions         []Action    `json:"actions,omitempty"`
	AddressBook     AddressBook `json:"address_book,omitempty"`

	// balance_change / token_balance_change
	Account      string          `json:"account,omitempty"`
	TokenAddress string          `json:"token_address,omitempty"`
	Balance      json.RawMessage `json:"balance,omitempty"`
}

// Action is a raw indexer action record. The multiplexer only looks at
// Accounts; decoding into typed activities is the decoder's job.
type Action struct {
	// ActionID is unique among all actions but may change while the action
	// is pending.
	ActionID string `json:"action_id"`
	// TraceID may be empty in early pending actions.
	TraceID    string `json:"trace_id"`
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	StartUtime int64  `json:"start_utime"`
	EndUtime   int64  `json:"end_utime"`
	// TraceExternalHashNorm never changes; empty when equal to
	// TraceExternalHash.
	TraceExternalHash     string          `json:"trace_external_hash"`
	TraceExternalHashNorm string          `json:"trace_external_hash_norm"`
	Accounts              []string        `json:"accounts"`
	Details               json.RawMessage `json:"details"`
}

// NormalizedHash returns the normalized external message hash of the action's
// trace.
func (a *Action) NormalizedHash() string {
	if a.TraceExternalHashNorm != "" {
		return a.TraceExternalHashNorm
	}
	return a.TraceExternalHash
}

// AddressBook maps raw wire addresses to their display (canonical) forms.
type AddressBook map[string]struct {
	UserFriendly string `json:"user_friendly"`
}

// Resolve returns the display form of a raw address, falling back to the raw
// form when the book has no entry.
func (b AddressBook) Resolve(raw string) string {
	if entry, ok := b[raw]; ok && entry.UserFriendly != "" {
		return entry.UserFriendly
	}
	return raw
}

// ActionDecoder turns raw indexer action records into typed activities for
// one wallet address. Implementations must be pure; a decode failure drops
// the batch for that address only.
type ActionDecoder interface {
	Decode(walletAddress string, actions []Action, book AddressBook, arePending bool) ([]*domain.Activity, error)
}

// ActivitiesUpdate is the activity event delivered to watchers.
//
// Multiple updates can share a MessageHashNormalized; each replaces the
// previous state for that hash. An empty Activities slice means the actions
// with that hash must be removed.
type ActivitiesUpdate struct {
	Address               string
	MessageHashNormalized string
	ArePending            bool
	Activities            []*domain.Activity
}

// IsFinal reports whether no further updates are expected for the update's
// message hash.
func (u *ActivitiesUpdate) IsFinal() bool {
	return !u.ArePending || len(u.Activities) == 0
}

// BalanceUpdate reports a changed coin or token balance.
// TokenAddress is empty for the native coin.
type BalanceUpdate struct {
	Address      string
	TokenAddress string
	Balance      string
}
