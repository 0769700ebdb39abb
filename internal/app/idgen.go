package app

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/dkeye/callroom/internal/domain"
)

// IDGenerator yields candidate room ids. The RoomManager retries it on
// collision with a live room.
type IDGenerator func() (domain.RoomID, error)

// RandomRoomIDs samples length characters of A-Z0-9 from crypto/rand.
func RandomRoomIDs(length int) IDGenerator {
	if length <= 0 {
		length = domain.RoomIDLength
	}
	max := big.NewInt(int64(len(domain.RoomIDAlphabet)))
	return func() (domain.RoomID, error) {
		var b strings.Builder
		b.Grow(length)
		for i := 0; i < length; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(domain.RoomIDAlphabet[n.Int64()])
		}
		return domain.RoomID(b.String()), nil
	}
}
