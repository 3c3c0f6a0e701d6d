// Package receipt generates collision-resistant short offline receipt
// IDs of the form OFF-AAAA-BBBB.
package receipt

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/festivals-labs/offline-core/internal/domain/offlinecrypto"
)

// Generator issues receipt IDs scoped to a single device secret.
type Generator struct {
	deviceSecret []byte
}

func New(deviceSecret []byte) *Generator {
	return &Generator{deviceSecret: deviceSecret}
}

// GenerateReceiptId returns "OFF-AAAA-BBBB" where AAAABBBB is the first
// 8 upper-case hex chars of sha256(deviceSecret ‖ "|" ‖ nowMs ‖ "|" ‖
// short-random). Collisions across the full device lifetime are
// accepted; the server deduplicates by idempotencyKey, not receiptId.
func (g *Generator) GenerateReceiptId() (string, error) {
	shortRandom, err := offlinecrypto.RandomBytes(4)
	if err != nil {
		return "", err
	}
	nowMs := time.Now().UnixMilli()

	var buf strings.Builder
	buf.Write(g.deviceSecret)
	buf.WriteByte('|')
	buf.WriteString(strconv.FormatInt(nowMs, 10))
	buf.WriteByte('|')
	buf.WriteString(hex.EncodeToString(shortRandom))

	digest := offlinecrypto.Sha256Hex([]byte(buf.String()))
	chars := strings.ToUpper(digest)[:8]
	return fmt.Sprintf("OFF-%s-%s", chars[:4], chars[4:]), nil
}
