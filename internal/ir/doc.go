// Package ir provides the foundational value types shared by every layer of
// the constraint engine.
//
// This package contains type definitions and canonical encoding only. All
// other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Energy is fixed point (int64), never float, so conservation checks are exact
//   - Balances hashes use canonical JSON with sorted keys and NFC strings
//   - All JSON tags use snake_case
package ir
