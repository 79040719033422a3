package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Message carries the alert context handed to a transport.
type Message struct {
	To           string
	Recipient    string
	Crop         string
	Location     string
	Market       string
	CurrentPrice decimal.Decimal
	Unit         string
	Changes      map[int]decimal.Decimal
	ThresholdPct decimal.Decimal
	ObservedAt   time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

func renderSubject(msg Message) string {
	return fmt.Sprintf("Price Alert: Abnormal Change in %s", msg.Crop)
}

func renderBody(msg Message) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Price alert for %s\n", msg.Crop))
	builder.WriteString(fmt.Sprintf("We've detected an unusual price change in %s at %s, %s.\n\n", msg.Crop, msg.Market, msg.Location))
	builder.WriteString(fmt.Sprintf("Current price: Rs %s per %s\n", msg.CurrentPrice.StringFixed(2), msg.Unit))
	if !msg.ObservedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Observed at: %s UTC\n", msg.ObservedAt.UTC().Format(time.RFC3339)))
	}
	builder.WriteString("\nPrice changes:\n")
	for _, days := range sortedWindows(msg.Changes) {
		builder.WriteString(fmt.Sprintf("  %d-day change: %s%%\n", days, msg.Changes[days].StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("\nThis alert is based on your configured threshold of %s%%.\n", msg.ThresholdPct.StringFixed(0)))
	builder.WriteString("You can update your alert preferences in your profile settings.\n")
	return builder.String()
}

func sortedWindows(changes map[int]decimal.Decimal) []int {
	windows := make([]int, 0, len(changes))
	for days := range changes {
		windows = append(windows, days)
	}
	sort.Ints(windows)
	return windows
}
