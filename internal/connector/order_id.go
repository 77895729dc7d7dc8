package connector

import (
	"fmt"
	"sync/atomic"
	"time"

	"idex-connector/internal/core"
)

var lastOrderNonce atomic.Int64

// trackingNonce returns a strictly increasing microsecond timestamp, so
// client order ids stay unique even when orders are created in the same
// microsecond.
func trackingNonce() int64 {
	for {
		now := time.Now().UnixMicro()
		last := lastOrderNonce.Load()
		if now <= last {
			now = last + 1
		}
		if lastOrderNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

func newClientOrderID(prefix string, side core.Side, market string) string {
	return fmt.Sprintf("%s-%s-%s-%d", prefix, side, marketTag(market), trackingNonce())
}
