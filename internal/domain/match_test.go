package domain

import "testing"

func outgoingTransfer(id, hash, to string, amount uint64) *Activity {
	return &Activity{
		ID:                  id,
		Kind:                KindTransaction,
		Timestamp:           1000,
		ExternalMsgHashNorm: hash,
		Status:              StatusCompleted,
		Transaction: &Transaction{
			ToAddress:         to,
			NormalizedAddress: NormalizeAddress(to),
			Amount:            amount,
		},
	}
}

func TestMatchesLocal_ByHash(t *testing.T) {
	local := outgoingTransfer(BuildLocalID("h1"), "h1", "addr", 100)
	chain := outgoingTransfer("chain1", "h1", "addr", 100)

	if !MatchesLocal(local, chain) {
		t.Errorf("same hash must match")
	}

	other := outgoingTransfer("chain2", "h2", "addr", 100)
	if MatchesLocal(local, other) {
		t.Errorf("different hash must not match")
	}
}

func TestMatchesLocal_HiddenChainActivityNeverMatches(t *testing.T) {
	local := outgoingTransfer(BuildLocalID("h1"), "h1", "addr", 100)
	chain := outgoingTransfer("chain1", "h1", "addr", 100)
	chain.ShouldHide = true

	if MatchesLocal(local, chain) {
		t.Errorf("hidden chain activity must not consume the local one")
	}
}

func TestMatchesLocal_GaslessTransfer(t *testing.T) {
	local := outgoingTransfer(BuildLocalID("x"), "", "addr", 100)
	local.IsGasless = true

	chain := outgoingTransfer("chain1", "real-hash", "addr", 100)
	if !MatchesLocal(local, chain) {
		t.Errorf("gasless transfer must match on direction+address+amount")
	}

	wrongAmount := outgoingTransfer("chain2", "real-hash", "addr", 99)
	if MatchesLocal(local, wrongAmount) {
		t.Errorf("different amount must not match")
	}

	incoming := outgoingTransfer("chain3", "real-hash", "addr", 100)
	incoming.Transaction.IsIncoming = true
	if MatchesLocal(local, incoming) {
		t.Errorf("incoming transfer must not match an outgoing local")
	}

	wrongSlug := outgoingTransfer("chain4", "real-hash", "addr", 100)
	wrongSlug.Transaction.Slug = "token:other"
	if MatchesLocal(local, wrongSlug) {
		t.Errorf("different token must not match")
	}
}

func TestMatchesLocal_GaslessSwap(t *testing.T) {
	local := &Activity{
		ID:        BuildLocalID("s"),
		Kind:      KindSwap,
		IsGasless: true,
		Status:    StatusPendingTrusted,
		Swap:      &Swap{From: "", To: "token:abc", FromAmount: 500, ToAmount: 900},
	}
	chain := &Activity{
		ID:     "chain1",
		Kind:   KindSwap,
		Status: StatusCompleted,
		Swap:   &Swap{From: "", To: "token:abc", FromAmount: 500, ToAmount: 950},
	}

	// ToAmount differs: the received amount is only an estimate locally.
	if !MatchesLocal(local, chain) {
		t.Errorf("gasless swap must match on from+to+fromAmount")
	}

	chain.Swap.FromAmount = 501
	if MatchesLocal(local, chain) {
		t.Errorf("different fromAmount must not match")
	}
}

func TestIDReplacements_LocalDirectAndHeuristic(t *testing.T) {
	byHash := outgoingTransfer(BuildLocalID("h1"), "h1", "a1", 100)
	gasless := outgoingTransfer(BuildLocalID("g"), "", "a2", 200)
	gasless.IsGasless = true
	untouched := outgoingTransfer(BuildLocalID("h3"), "h3", "a3", 300)

	next := []*Activity{
		outgoingTransfer("c1", "h1", "a1", 100),
		outgoingTransfer("c2", "other", "a2", 200),
	}

	got := IDReplacements([]*Activity{byHash, gasless, untouched}, next)

	if got[byHash.ID] != "c1" {
		t.Errorf("hash-matched local: got %q, want c1", got[byHash.ID])
	}
	if got[gasless.ID] != "c2" {
		t.Errorf("heuristic-matched local: got %q, want c2", got[gasless.ID])
	}
	if _, ok := got[untouched.ID]; ok {
		t.Errorf("unmatched local must be absent from the result")
	}
}

func TestIDReplacements_ChainHashGroupShifts(t *testing.T) {
	// Two pending sub-activities of one trace get promoted: each previous id
	// must map to a distinct successor.
	prev := []*Activity{
		outgoingTransfer("p1", "h", "a", 1),
		outgoingTransfer("p2", "h", "a", 2),
	}
	next := []*Activity{
		outgoingTransfer("c1", "h", "a", 1),
		outgoingTransfer("c2", "h", "a", 2),
	}

	got := IDReplacements(prev, next)
	if got["p1"] != "c1" || got["p2"] != "c2" {
		t.Errorf("group matching: got %v", got)
	}
}

func TestIDReplacements_SameIDKept(t *testing.T) {
	a := outgoingTransfer("p1", "h", "a", 1)
	got := IDReplacements([]*Activity{a}, []*Activity{outgoingTransfer("p1", "h", "a", 1)})
	if got["p1"] != "p1" {
		t.Errorf("activity present in next must map to itself, got %v", got)
	}
}
