package order

import (
	"strings"

	"github.com/google/uuid"
)

// IDGenerator assigns client order ids before any network call.
type IDGenerator interface {
	NextID() string
}

// PrefixedIDs yields "<prefix>-<uuid without dashes>".
type PrefixedIDs struct {
	Prefix string
}

func (g PrefixedIDs) NextID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if g.Prefix == "" {
		return id
	}
	return g.Prefix + "-" + id
}
