// Package ids provides the identifier primitives shared by the feed service and chat clients.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks client-generated provisional message ids.
const TempIDPrefix = "tmp-"

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, so durable message ids follow creation order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTempID returns a provisional message id for one optimistic send.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	rest, ok := strings.CutPrefix(id, TempIDPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
