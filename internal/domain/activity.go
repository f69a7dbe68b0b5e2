package domain

import "strings"

// Kind discriminates the activity union. Every switch over Kind must handle
// all values exhaustively.
type Kind string

const (
	KindTransaction Kind = "transaction"
	KindSwap        Kind = "swap"
)

// Status is the lifecycle state of an activity.
//
// Both StatusPending and StatusPendingTrusted mean the activity awaits
// blockchain confirmation. StatusPendingTrusted marks pendings that were
// initiated by this app, as opposed to ones reported by the upstream indexer.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPendingTrusted Status = "pendingTrusted"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Activity is a single unit of wallet history: a transaction or a swap.
// Exactly one of Transaction and Swap is set, matching Kind.
type Activity struct {
	// ID is globally unique per activity instance. It may change when a
	// pending activity is promoted to a confirmed one.
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds, used for all ordering

	// ExternalMsgHashNorm is the normalized hash of the originating message.
	// It stays constant across the pending-to-confirmed transition.
	// Empty for some synthetic and local activities.
	ExternalMsgHashNorm string `json:"externalMsgHashNorm,omitempty"`

	Status Status `json:"status"`

	// ShouldHide filters the activity out of user-visible lists while still
	// occupying a cache slot for dedup purposes.
	ShouldHide bool `json:"shouldHide,omitempty"`

	// ShouldLoadDetails marks activities whose full representation (e.g. fee
	// breakdown) is fetched lazily after the initial display.
	ShouldLoadDetails bool `json:"shouldLoadDetails,omitempty"`

	// IsGasless marks activities submitted through a fee relayer. Their real
	// message hash is unknown until confirmation, so local gasless activities
	// are matched to chain ones by a heuristic instead of the hash.
	IsGasless bool `json:"isGasless,omitempty"`

	Transaction *Transaction `json:"transaction,omitempty"`
	Swap        *Swap        `json:"swap,omitempty"`
}

// Transaction is the Kind-specific payload of a plain transfer.
type Transaction struct {
	IsIncoming  bool   `json:"isIncoming"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`

	// NormalizedAddress is the canonical form of the counterparty address,
	// used by the local-activity matching heuristic.
	NormalizedAddress string `json:"normalizedAddress"`

	Amount uint64 `json:"amount"`
	// Slug identifies the token; empty means the chain's native coin.
	Slug    string `json:"slug,omitempty"`
	Fee     uint64 `json:"fee,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Swap is the Kind-specific payload of a token exchange.
type Swap struct {
	From       string `json:"from"`
	To         string `json:"to"`
	FromAmount uint64 `json:"fromAmount"`
	ToAmount   uint64 `json:"toAmount"`
}

// IsPending reports whether the activity awaits blockchain confirmation.
func (a *Activity) IsPending() bool {
	return a.Status == StatusPending || a.Status == StatusPendingTrusted
}

// TokenSlugs returns the token buckets whose history the activity belongs to.
func (a *Activity) TokenSlugs() []string {
	switch a.Kind {
	case KindTransaction:
		return []string{a.Transaction.Slug}
	case KindSwap:
		return []string{a.Swap.From, a.Swap.To}
	}
	return nil
}

const localIDSuffix = ":local"

// IsLocalID reports whether the id belongs to an optimistically created
// (not yet upstream-confirmed) activity.
func IsLocalID(id string) bool {
	return strings.HasSuffix(id, localIDSuffix)
}

// BuildLocalID derives a local activity id from the submitted message hash.
func BuildLocalID(hash string) string {
	return hash + localIDSuffix
}
