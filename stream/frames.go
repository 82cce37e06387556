package stream

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/M1keZulu/3Commas-Discord/registry"
	"github.com/M1keZulu/3Commas-Discord/sign"
)

const (
	dealsChannel     = "DealsChannel"
	commandSubscribe = "subscribe"

	frameConfirmSubscription = "confirm_subscription"
	frameRejectSubscription  = "reject_subscription"

	dealMessageType = "Deal"
)

// subscribeCommand is the outbound frame. Identifier is itself a JSON
// document encoded as a string, per the upstream cable protocol.
type subscribeCommand struct {
	Identifier string `json:"identifier"`
	Command    string `json:"command"`
}

type channelIdentifier struct {
	Channel string        `json:"channel"`
	Users   []channelUser `json:"users"`
}

type channelUser struct {
	APIKey    string `json:"api_key"`
	Signature string `json:"signature"`
}

// inboundFrame covers every server frame the session classifies. Frames that
// match none of the fields (pings, welcome banners) decode to zero values and
// are ignored.
type inboundFrame struct {
	Type       string          `json:"type"`
	Identifier string          `json:"identifier"`
	Message    json.RawMessage `json:"message"`
}

type dealMessage struct {
	Type      string     `json:"type"`
	Pair      string     `json:"pair"`
	BotEvents []botEvent `json:"bot_events"`
}

type botEvent struct {
	Message string `json:"message"`
}

// encodeSubscribe builds the subscribe frame for one credential.
func encodeSubscribe(cred registry.Credential) ([]byte, error) {
	identifier, err := json.Marshal(channelIdentifier{
		Channel: dealsChannel,
		Users: []channelUser{{
			APIKey:    cred.APIKey,
			Signature: sign.Sum(cred.SecretKey, sign.DealsChannelPath),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal identifier: %w", err)
	}

	frame, err := json.Marshal(subscribeCommand{
		Identifier: string(identifier),
		Command:    commandSubscribe,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe command: %w", err)
	}
	return frame, nil
}

// decodeIdentifier unwraps the nested identifier document and returns its
// first user entry; upstream only ever lists one user per identifier.
func decodeIdentifier(raw string) (channelUser, error) {
	var identifier channelIdentifier
	if err := json.Unmarshal([]byte(raw), &identifier); err != nil {
		return channelUser{}, fmt.Errorf("unmarshal identifier: %w", err)
	}
	if len(identifier.Users) == 0 {
		return channelUser{}, fmt.Errorf("identifier carries no users")
	}
	return identifier.Users[0], nil
}
