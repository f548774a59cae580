// Copyright 2025 R5 Labs
// This file is part of the R5 Proxy library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package store

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Key layout. Every per-coin key is "<coin>/<table>/<suffix>"; the coin
// ticker never contains '/' (checked at configuration time). The outbox
// lives under the reserved "!" pseudo-coin so it can never collide with a
// configured ticker.
const (
	tblHandle     = "u"   // user -> deposit handle
	tblAddrIndex  = "ua"  // address -> user
	tblTagIndex   = "ut"  // tag -> user
	tblAmtIndex   = "uv"  // reserved amount -> user
	tblTx         = "tx"  // tx hash -> deposit entry id
	tblTxLog      = "txl" // user/entry -> deposit record
	tblWtx        = "wtx" // tx hash -> withdrawal entry id
	tblWtxLog     = "wtl" // user/entry -> withdrawal record
	tblPending    = "p"   // user -> pending payout
	tblTotals     = "at"  // user -> account totals
	tblGlobals    = "gt"  // singleton global totals
	tblBackend    = "bb"  // singleton backend balance snapshot
	tblWatermark  = "wm"  // singleton processed frontier
	tblBlockByNum = "bh"  // height -> block hash
	tblBlockByID  = "bx"  // block hash -> height
	tblSeq        = "seq" // named counters
)

// UserID is the internal form of a caller identifier: the byte sequence
// behind the lowercase hex string the API carries.
type UserID []byte

// ParseUserID validates the external form: non-empty, even length,
// lowercase hexadecimal.
func ParseUserID(s string) (UserID, error) {
	if len(s) == 0 || len(s)%2 != 0 {
		return nil, ErrBadUserID
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return nil, ErrBadUserID
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrBadUserID
	}
	return UserID(b), nil
}

// String returns the external lowercase hex form.
func (u UserID) String() string {
	return hex.EncodeToString(u)
}

// Equal reports whether two identifiers name the same user.
func (u UserID) Equal(o UserID) bool {
	return string(u) == string(o)
}

// MarshalJSON renders the identifier in its external hex form.
func (u UserID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON parses the external hex form.
func (u *UserID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := ParseUserID(s)
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// ErrBadUserID rejects malformed caller identifiers.
var ErrBadUserID = errors.New("user id must be non-empty even-length lowercase hex")

func key(coin, table string, suffix ...[]byte) []byte {
	k := append([]byte(coin), '/')
	k = append(k, table...)
	for _, s := range suffix {
		k = append(k, '/')
		k = append(k, s...)
	}
	return k
}

func userKey(coin, table string, user UserID) []byte {
	return key(coin, table, []byte(user.String()))
}

// amountKey renders a minimal-unit value as a fixed-width big-endian key
// so that lexicographic order matches numeric order. 32 bytes covers the
// full uint256 range token contracts can carry.
func amountKey(v *big.Int) ([]byte, error) {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, fmt.Errorf("amount out of key range: %s", v)
	}
	return v.FillBytes(make([]byte, 32)), nil
}

func seqKey(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func tagKey(tag uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], tag)
	return b[:]
}
