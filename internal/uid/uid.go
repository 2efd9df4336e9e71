/*
Package uid – identifier generators for providers.

UUIDs come from google/uuid. ULIDs are time-sortable ids encoded in Crockford
base-32 and back the "generate" operation of the document stores.
*/
package uid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Crockford base-32 alphabet (no I, L, O, U).
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	timeLen   = 10
	randomLen = 16

	// ULIDLen is the length of an encoded ULID.
	ULIDLen = timeLen + randomLen
)

// UUID returns a random RFC-4122 v4 UUID string.
func UUID() string { return uuid.NewString() }

// UID returns a crypto-random base-32 string of the given size.
func UID(size int) string {
	return encodeRandom(size)
}

// ULID returns a ULID for the current time.
func ULID() string { return ULIDAt(time.Now()) }

// ULIDAt returns a ULID whose time prefix encodes t in milliseconds.
// ULIDs generated at later times sort after earlier ones.
func ULIDAt(t time.Time) string {
	return encodeTime(t.UnixMilli()) + encodeRandom(randomLen)
}

func encodeTime(ms int64) string {
	b := make([]byte, timeLen)
	for i := timeLen - 1; i >= 0; i-- {
		b[i] = alphabet[ms%32]
		ms /= 32
	}
	return string(b)
}

func encodeRandom(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		panic("uid: crypto/rand read failed: " + err.Error())
	}
	for i := range buf {
		buf[i] = alphabet[buf[i]&31]
	}
	return string(buf)
}

// Time extracts the millisecond timestamp of a ULID.
func Time(s string) (time.Time, error) {
	if len(s) != ULIDLen {
		return time.Time{}, fmt.Errorf("uid: invalid ULID length %d", len(s))
	}
	var ms int64
	for _, c := range []byte(s[:timeLen]) {
		idx := strings.IndexByte(alphabet, c)
		if idx < 0 {
			return time.Time{}, fmt.Errorf("uid: invalid ULID char %q", c)
		}
		ms = ms*32 + int64(idx)
	}
	return time.UnixMilli(ms), nil
}
