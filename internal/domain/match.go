package domain

// IDReplacements finds, for each activity in prev, its successor id within
// next. Only local and pending activity ids ever change, so it is enough to
// pass such activities in prev.
//
// Ids must be unique within each input slice. The returned map has previous
// ids as keys and next ids as values; a missing key means no match was found.
// The values are not necessarily unique.
func IDReplacements(prev, next []*Activity) map[string]string {
	var prevLocal, prevChain []*Activity
	for _, a := range prev {
		if IsLocalID(a.ID) {
			prevLocal = append(prevLocal, a)
		} else {
			prevChain = append(prevChain, a)
		}
	}

	out := localIDReplacements(prevLocal, next)
	for id, next := range chainIDReplacements(prevChain, next) {
		out[id] = next
	}
	return out
}

func localIDReplacements(prevLocal, next []*Activity) map[string]string {
	out := make(map[string]string)
	if len(prevLocal) == 0 {
		return out
	}

	nextIDs := make(map[string]struct{}, len(next))
	var nextChain []*Activity
	for _, a := range next {
		nextIDs[a.ID] = struct{}{}
		if !IsLocalID(a.ID) {
			nextChain = append(nextChain, a)
		}
	}

	for _, local := range prevLocal {
		if _, ok := nextIDs[local.ID]; ok {
			out[local.ID] = local.ID
			continue
		}

		for _, chain := range nextChain {
			if MatchesLocal(local, chain) {
				out[local.ID] = chain.ID
				break
			}
		}
	}

	return out
}

func chainIDReplacements(prevChain, next []*Activity) map[string]string {
	out := make(map[string]string)
	if len(prevChain) == 0 {
		return out
	}

	nextIDs := make(map[string]struct{}, len(next))
	byHash := make(map[string][]*Activity)
	for _, a := range next {
		nextIDs[a.ID] = struct{}{}
		if a.ExternalMsgHashNorm != "" {
			byHash[a.ExternalMsgHashNorm] = append(byHash[a.ExternalMsgHashNorm], a)
		}
	}

	for _, prev := range prevChain {
		if _, ok := nextIDs[prev.ID]; ok {
			out[prev.ID] = prev.ID
			continue
		}

		if prev.ExternalMsgHashNorm == "" {
			continue
		}
		group := byHash[prev.ExternalMsgHashNorm]
		if len(group) == 0 {
			continue
		}
		out[prev.ID] = group[0].ID

		// Leave one activity in the group so further prev activities with the
		// same hash still find a match.
		if len(group) > 1 {
			byHash[prev.ExternalMsgHashNorm] = group[1:]
		}
	}

	return out
}

// MatchesLocal decides whether a local (optimistic) activity corresponds to
// the given chain activity.
//
// Gasless transfers have no known message hash until confirmation, so they
// are matched by direction, normalized counterparty address and amount. The
// heuristic is best-effort: two simultaneous equal-amount transfers to the
// same address can be confused, which is accepted.
func MatchesLocal(local, chain *Activity) bool {
	if local.IsGasless {
		if local.Kind == KindTransaction && chain.Kind == KindTransaction {
			return !chain.Transaction.IsIncoming &&
				AddressesEqual(local.Transaction.NormalizedAddress, chain.Transaction.NormalizedAddress) &&
				local.Transaction.Amount == chain.Transaction.Amount &&
				local.Transaction.Slug == chain.Transaction.Slug
		}
		if local.Kind == KindSwap && chain.Kind == KindSwap {
			return local.Swap.From == chain.Swap.From &&
				local.Swap.To == chain.Swap.To &&
				local.Swap.FromAmount == chain.Swap.FromAmount
		}
	}

	if local.ExternalMsgHashNorm != "" {
		return local.ExternalMsgHashNorm == chain.ExternalMsgHashNorm && !chain.ShouldHide
	}

	return false
}
