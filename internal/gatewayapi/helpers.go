package gatewayapi

import (
	"context"
	"strconv"
	"time"
)

// longPollDeadline bounds GET /kiosks/{kiosk_id}/commands, per §5: "Long-
// poll on /kiosks/*/commands has a 25s server-side deadline."
const longPollDeadline = 25 * time.Second

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
