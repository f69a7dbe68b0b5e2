package socket

import (
	"encoding/json"
	"fmt"
	"strconv"

	"walletsync/internal/domain"
)

// Indexer action types the decoder understands. Anything else becomes a
// bare transaction with ShouldLoadDetails set.
const (
	actionTonTransfer    = "ton_transfer"
	actionJettonTransfer = "jetton_transfer"
	actionJettonSwap     = "jetton_swap"
)

// Decoder converts raw indexer action records into activities. Both the
// socket and the HTTP fetch path use it, so one action always yields the
// same document regardless of transport.
type Decoder struct{}

var _ ActionDecoder = (*Decoder)(nil)

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(walletAddress string, actions []Action, book AddressBook, arePending bool) ([]*domain.Activity, error) {
	activities := make([]*domain.Activity, 0, len(actions))
	for i := range actions {
		activity, err := d.decodeAction(walletAddress, &actions[i], book, arePending)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", actions[i].ActionID, err)
		}
		activities = append(activities, activity)
	}
	return activities, nil
}

func (d *Decoder) decodeAction(walletAddress string, action *Action, book AddressBook, arePending bool) (*domain.Activity, error) {
	activity := &domain.Activity{
		ID:                  action.ActionID,
		Kind:                domain.KindTransaction,
		Timestamp:           action.EndUtime * 1000,
		ExternalMsgHashNorm: action.NormalizedHash(),
		Status:              actionStatus(action, arePending),
	}

	switch action.Type {
	case actionTonTransfer:
		var details tonTransferDetails
		if err := json.Unmarshal(action.Details, &details); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", action.Type, err)
		}
		amount, err := parseAmount(details.Value)
		if err != nil {
			return nil, err
		}
		from := book.Resolve(details.Source)
		to := book.Resolve(details.Destination)
		tx := &domain.Transaction{
			IsIncoming:  domain.AddressesEqual(to, walletAddress),
			FromAddress: from,
			ToAddress:   to,
			Amount:      amount,
			Comment:     details.Comment,
		}
		tx.NormalizedAddress = counterpartyAddress(tx)
		activity.Transaction = tx

	case actionJettonTransfer:
		var details jettonTransferDetails
		if err := json.Unmarshal(action.Details, &details); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", action.Type, err)
		}
		amount, err := parseAmount(details.Amount)
		if err != nil {
			return nil, err
		}
		from := book.Resolve(details.Sender)
		to := book.Resolve(details.Receiver)
		tx := &domain.Transaction{
			IsIncoming:  domain.AddressesEqual(to, walletAddress),
			FromAddress: from,
			ToAddress:   to,
			Amount:      amount,
			Slug:        TokenSlug(book.Resolve(details.Asset)),
			Comment:     details.Comment,
		}
		tx.NormalizedAddress = counterpartyAddress(tx)
		activity.Transaction = tx

	case actionJettonSwap:
		var details jettonSwapDetails
		if err := json.Unmarshal(action.Details, &details); err != nil {
			return nil, fmt.Errorf("decode %s details: %w", action.Type, err)
		}
		// The transfer halves are named from the DEX's point of view: its
		// incoming transfer is what the wallet paid.
		fromAmount, err := parseAmount(details.DexIncomingTransfer.Amount)
		if err != nil {
			return nil, err
		}
		toAmount, err := parseAmount(details.DexOutgoingTransfer.Amount)
		if err != nil {
			return nil, err
		}
		activity.Kind = domain.KindSwap
		activity.Swap = &domain.Swap{
			From:       assetSlug(details.AssetIn, book),
			To:         assetSlug(details.AssetOut, book),
			FromAmount: fromAmount,
			ToAmount:   toAmount,
		}

	default:
		// Action types the wallet does not render natively. Keep a stub so
		// ordering and dedup still see the action; the full representation is
		// loaded separately.
		activity.ShouldLoadDetails = true
		activity.Transaction = &domain.Transaction{}
	}

	return activity, nil
}

func actionStatus(action *Action, arePending bool) domain.Status {
	switch {
	case arePending:
		return domain.StatusPending
	case action.Success:
		return domain.StatusCompleted
	default:
		return domain.StatusFailed
	}
}

// TokenSlug derives the token bucket name from a token master address.
// An empty address means the native coin and maps to the empty slug.
func TokenSlug(tokenAddress string) string {
	if tokenAddress == "" {
		return ""
	}
	return "token:" + domain.NormalizeAddress(tokenAddress)
}

func assetSlug(asset *string, book AddressBook) string {
	if asset == nil {
		return ""
	}
	return TokenSlug(book.Resolve(*asset))
}

func counterpartyAddress(tx *domain.Transaction) string {
	if tx.IsIncoming {
		return domain.NormalizeAddress(tx.FromAddress)
	}
	return domain.NormalizeAddress(tx.ToAddress)
}

func parseAmount(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	amount, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return amount, nil
}

type tonTransferDetails struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Value       string `json:"value"`
	Comment     string `json:"comment"`
}

type jettonTransferDetails struct {
	Asset    string `json:"asset"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
	Comment  string `json:"comment"`
}

type jettonSwapDetails struct {
	AssetIn             *string         `json:"asset_in"`
	AssetOut            *string         `json:"asset_out"`
	DexIncomingTransfer dexTransferHalf `json:"dex_incoming_transfer"`
	DexOutgoingTransfer dexTransferHalf `json:"dex_outgoing_transfer"`
}

type dexTransferHalf struct {
	Asset       *string `json:"asset"`
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Amount      string  `json:"amount"`
}
