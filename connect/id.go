package connect

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)


// comparable. The zero value is not a valid id.
// subscription channel ids are ulids. Inbound frames must carry an id in the same format.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("cannot parse id %s: %w", idStr, err)
	}
	return Id(u), nil
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
