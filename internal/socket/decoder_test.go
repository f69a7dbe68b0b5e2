package socket

import (
	"encoding/json"
	"testing"

	"walletsync/internal/domain"
)

func decodeOne(t *testing.T, action Action, book AddressBook, arePending bool) *domain.Activity {
	t.Helper()
	activities, err := NewDecoder().Decode("walletA", []Action{action}, book, arePending)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("Decode returned %d activities, want 1", len(activities))
	}
	return activities[0]
}

func details(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal details: %v", err)
	}
	return raw
}

func testBook() AddressBook {
	return AddressBook{
		"0:rawA":      {UserFriendly: "walletA"},
		"0:rawB":      {UserFriendly: "walletB"},
		"0:rawJetton": {UserFriendly: "jettonMaster"},
	}
}

func TestDecoder_TonTransfer(t *testing.T) {
	action := Action{
		ActionID:              "act1",
		Type:                  actionTonTransfer,
		Success:               true,
		EndUtime:              1700000000,
		TraceExternalHashNorm: "hash1",
		Accounts:              []string{"0:rawA", "0:rawB"},
		Details: details(t, tonTransferDetails{
			Source:      "0:rawB",
			Destination: "0:rawA",
			Value:       "1500000000",
			Comment:     "thanks",
		}),
	}

	got := decodeOne(t, action, testBook(), false)
	if got.ID != "act1" || got.Kind != domain.KindTransaction {
		t.Fatalf("unexpected activity head: %+v", got)
	}
	if got.Timestamp != 1700000000000 {
		t.Fatalf("Timestamp = %d, want milliseconds", got.Timestamp)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("Status = %s", got.Status)
	}
	if got.ExternalMsgHashNorm != "hash1" {
		t.Fatalf("ExternalMsgHashNorm = %s", got.ExternalMsgHashNorm)
	}
	tx := got.Transaction
	if tx == nil || !tx.IsIncoming {
		t.Fatalf("transfer to walletA must be incoming: %+v", tx)
	}
	if tx.FromAddress != "walletB" || tx.ToAddress != "walletA" {
		t.Fatalf("addresses not resolved: %+v", tx)
	}
	if tx.NormalizedAddress != domain.NormalizeAddress("walletB") {
		t.Fatalf("NormalizedAddress must point at the counterparty, got %s", tx.NormalizedAddress)
	}
	if tx.Amount != 1500000000 || tx.Slug != "" || tx.Comment != "thanks" {
		t.Fatalf("unexpected payload: %+v", tx)
	}
}

func TestDecoder_JettonTransferOutgoing(t *testing.T) {
	action := Action{
		ActionID:              "act2",
		Type:                  actionJettonTransfer,
		Success:               true,
		EndUtime:              1700000100,
		TraceExternalHashNorm: "hash2",
		Details: details(t, jettonTransferDetails{
			Asset:    "0:rawJetton",
			Sender:   "0:rawA",
			Receiver: "0:rawB",
			Amount:   "25000",
		}),
	}

	got := decodeOne(t, action, testBook(), false)
	tx := got.Transaction
	if tx == nil || tx.IsIncoming {
		t.Fatalf("transfer from walletA must be outgoing: %+v", tx)
	}
	if tx.Slug != TokenSlug("jettonMaster") {
		t.Fatalf("Slug = %s", tx.Slug)
	}
	if tx.NormalizedAddress != domain.NormalizeAddress("walletB") {
		t.Fatalf("NormalizedAddress must point at the receiver, got %s", tx.NormalizedAddress)
	}
	if tx.Amount != 25000 {
		t.Fatalf("Amount = %d", tx.Amount)
	}
}

func TestDecoder_JettonSwap(t *testing.T) {
	asset := "0:rawJetton"
	action := Action{
		ActionID:              "act3",
		Type:                  actionJettonSwap,
		Success:               true,
		EndUtime:              1700000200,
		TraceExternalHashNorm: "hash3",
		Details: details(t, jettonSwapDetails{
			AssetIn:  nil, // native coin paid in
			AssetOut: &asset,
			// Named from the DEX's point of view: the DEX's incoming
			// transfer is what the wallet paid.
			DexIncomingTransfer: dexTransferHalf{Amount: "1000000000"},
			DexOutgoingTransfer: dexTransferHalf{Amount: "777"},
		}),
	}

	got := decodeOne(t, action, testBook(), false)
	if got.Kind != domain.KindSwap || got.Swap == nil {
		t.Fatalf("expected a swap, got %+v", got)
	}
	swap := got.Swap
	if swap.From != "" {
		t.Fatalf("swap paid in native coin, From = %s", swap.From)
	}
	if swap.To != TokenSlug("jettonMaster") {
		t.Fatalf("To = %s", swap.To)
	}
	if swap.FromAmount != 1000000000 || swap.ToAmount != 777 {
		t.Fatalf("amounts crossed: %+v", swap)
	}
}

func TestDecoder_UnknownActionBecomesStub(t *testing.T) {
	action := Action{
		ActionID:              "act4",
		Type:                  "nft_mint",
		Success:               true,
		EndUtime:              1700000300,
		TraceExternalHashNorm: "hash4",
		Details:               json.RawMessage(`{"whatever": true}`),
	}

	got := decodeOne(t, action, testBook(), false)
	if !got.ShouldLoadDetails {
		t.Fatalf("unknown action must request a detail load")
	}
	if got.Kind != domain.KindTransaction || got.Transaction == nil {
		t.Fatalf("stub must still be a transaction: %+v", got)
	}
	if got.ID != "act4" || got.ExternalMsgHashNorm != "hash4" {
		t.Fatalf("stub lost identity: %+v", got)
	}
}

func TestDecoder_Statuses(t *testing.T) {
	base := Action{
		ActionID: "act5",
		Type:     actionTonTransfer,
		EndUtime: 1700000400,
		Details:  details(t, tonTransferDetails{Source: "0:rawB", Destination: "0:rawA", Value: "1"}),
	}

	pending := base
	got := decodeOne(t, pending, testBook(), true)
	if got.Status != domain.StatusPending {
		t.Fatalf("pending action Status = %s", got.Status)
	}
	if !got.IsPending() {
		t.Fatalf("pending action must report IsPending")
	}

	failed := base
	failed.Success = false
	if got := decodeOne(t, failed, testBook(), false); got.Status != domain.StatusFailed {
		t.Fatalf("failed action Status = %s", got.Status)
	}

	succeeded := base
	succeeded.Success = true
	if got := decodeOne(t, succeeded, testBook(), false); got.Status != domain.StatusCompleted {
		t.Fatalf("succeeded action Status = %s", got.Status)
	}
}

func TestDecoder_HashFallsBackToRawTraceHash(t *testing.T) {
	action := Action{
		ActionID:          "act6",
		Type:              actionTonTransfer,
		Success:           true,
		EndUtime:          1700000500,
		TraceExternalHash: "rawHash",
		Details:           details(t, tonTransferDetails{Source: "0:rawB", Destination: "0:rawA", Value: "1"}),
	}

	if got := decodeOne(t, action, testBook(), false); got.ExternalMsgHashNorm != "rawHash" {
		t.Fatalf("ExternalMsgHashNorm = %s, want the raw trace hash", got.ExternalMsgHashNorm)
	}
}

func TestDecoder_MalformedAmountFailsBatch(t *testing.T) {
	action := Action{
		ActionID: "act7",
		Type:     actionTonTransfer,
		Details:  details(t, tonTransferDetails{Source: "0:rawB", Destination: "0:rawA", Value: "lots"}),
	}

	if _, err := NewDecoder().Decode("walletA", []Action{action}, testBook(), false); err == nil {
		t.Fatalf("malformed amount must fail the decode")
	}
}
