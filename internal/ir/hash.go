package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainBalances  = "conserve/balances/v1"
	DomainOperation = "conserve/operation/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BalancesHash digests a balance table.
//
// Zero balances are omitted, so an entity that was referenced but never
// funded hashes the same as one that was never seen.
func BalancesHash(balances map[EntityID]Energy) (string, error) {
	obj := make(map[string]any, len(balances))
	for id, amount := range balances {
		if amount == 0 {
			continue
		}
		obj[string(id)] = amount
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("BalancesHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainBalances, canonical), nil
}

// OperationDigest digests a canonical operation payload for the audit trail.
func OperationDigest(payload map[string]any) (string, error) {
	canonical, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("OperationDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// MustBalancesHash is like BalancesHash but panics on error.
// Balance tables only hold strings and integers, so it cannot fail in practice.
func MustBalancesHash(balances map[EntityID]Energy) string {
	h, err := BalancesHash(balances)
	if err != nil {
		panic(err)
	}
	return h
}
