// Package notify defines the notification type carried on the delivery queue
// and renders the canonical message strings.
package notify

import "fmt"

// Kind classifies a notification so the delivery layer can gate subscription
// chatter without inspecting the text.
type Kind int

const (
	KindConfirmation Kind = iota
	KindRejection
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindConfirmation:
		return "confirmation"
	case KindRejection:
		return "rejection"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification is an immutable formatted message. Seq is assigned when the
// notification enters the delivery queue and makes two notifications with
// identical text distinct queue items.
type Notification struct {
	Seq  uint64
	Kind Kind
	Text string
}

// Formatter renders notification text. Suffix, when non-empty, is appended to
// event notifications; some deployments tag relayed messages this way.
type Formatter struct {
	Suffix string
}

// Confirmed renders a subscription confirmation.
func (f Formatter) Confirmed(name string) Notification {
	return Notification{
		Kind: KindConfirmation,
		Text: fmt.Sprintf("Subscription with %s confirmed.", name),
	}
}

// Rejected renders a subscription rejection.
func (f Formatter) Rejected(name string) Notification {
	return Notification{
		Kind: KindRejection,
		Text: fmt.Sprintf("Subscription with %s rejected.", name),
	}
}

// DealClosed renders a live close event. pair must already be slash
// normalized; closeMessage is the upstream bot event text verbatim.
func (f Formatter) DealClosed(name, pair, closeMessage string) Notification {
	return Notification{
		Kind: KindEvent,
		Text: f.tagged(fmt.Sprintf("%s: %s %s", name, pair, closeMessage)),
	}
}

// FinishedDeal renders a backfilled market-close event. relativeTime is the
// output of RelativeTime for the deal's creation instant.
func (f Formatter) FinishedDeal(pair, status, emoji, profit, currency, usdProfit, profitPct, relativeTime string) Notification {
	return Notification{
		Kind: KindEvent,
		Text: f.tagged(fmt.Sprintf("%s %s %s %s %s (%s $) (%s%% from total volume) #market %s",
			pair, status, emoji, profit, currency, usdProfit, profitPct, relativeTime)),
	}
}

func (f Formatter) tagged(text string) string {
	if f.Suffix == "" {
		return text
	}
	return text + " " + f.Suffix
}
