package pool

import (
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
)

// RelayMessage is the closed set of frames a relay can send to a client.
// Every consumer switches over the concrete types exhaustively.
type RelayMessage interface {
	messageKind() string
}

// EventMessage is ["EVENT", <sub id>, <event>].
type EventMessage struct {
	SubscriptionID string
	Event          *nostr.Event
}

// OKMessage is ["OK", <event id>, <accepted>, <reason>].
type OKMessage struct {
	EventID  string
	Accepted bool
	Reason   string
}

// EOSEMessage is ["EOSE", <sub id>].
type EOSEMessage struct {
	SubscriptionID string
}

// ClosedMessage is ["CLOSED", <sub id>, <reason>].
type ClosedMessage struct {
	SubscriptionID string
	Reason         string
}

// NoticeMessage is ["NOTICE", <message>].
type NoticeMessage struct {
	Message string
}

// AuthChallengeMessage is ["AUTH", <challenge>].
type AuthChallengeMessage struct {
	Challenge string
}

// CountMessage is ["COUNT", <sub id>, {"count": <n>}].
type CountMessage struct {
	SubscriptionID string
	Count          int64
}

// NegMsgMessage is ["NEG-MSG", <sub id>, <hex payload>].
type NegMsgMessage struct {
	SubscriptionID string
	Payload        string
}

// NegErrMessage is ["NEG-ERR", <sub id>, <reason>].
type NegErrMessage struct {
	SubscriptionID string
	Reason         string
}

func (EventMessage) messageKind() string         { return "EVENT" }
func (OKMessage) messageKind() string            { return "OK" }
func (EOSEMessage) messageKind() string          { return "EOSE" }
func (ClosedMessage) messageKind() string        { return "CLOSED" }
func (NoticeMessage) messageKind() string        { return "NOTICE" }
func (AuthChallengeMessage) messageKind() string { return "AUTH" }
func (CountMessage) messageKind() string         { return "COUNT" }
func (NegMsgMessage) messageKind() string        { return "NEG-MSG" }
func (NegErrMessage) messageKind() string        { return "NEG-ERR" }

// parseRelayMessage decodes a raw relay frame (a JSON array) into its typed
// variant.
func parseRelayMessage(raw []byte) (RelayMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("malformed frame: empty array")
	}

	var kind string
	if err := json.Unmarshal(arr[0], &kind); err != nil {
		return nil, fmt.Errorf("malformed frame: label must be a string")
	}

	switch kind {
	case "EVENT":
		if len(arr) < 3 {
			return nil, fmt.Errorf("malformed EVENT frame")
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, fmt.Errorf("malformed EVENT frame: %w", err)
		}
		var evt nostr.Event
		if err := json.Unmarshal(arr[2], &evt); err != nil {
			return nil, fmt.Errorf("malformed EVENT frame: %w", err)
		}
		return EventMessage{SubscriptionID: subID, Event: &evt}, nil

	case "OK":
		if len(arr) < 3 {
			return nil, fmt.Errorf("malformed OK frame")
		}
		var msg OKMessage
		if err := json.Unmarshal(arr[1], &msg.EventID); err != nil {
			return nil, fmt.Errorf("malformed OK frame: %w", err)
		}
		if err := json.Unmarshal(arr[2], &msg.Accepted); err != nil {
			return nil, fmt.Errorf("malformed OK frame: %w", err)
		}
		if len(arr) >= 4 {
			if err := json.Unmarshal(arr[3], &msg.Reason); err != nil {
				return nil, fmt.Errorf("malformed OK frame: %w", err)
			}
		}
		return msg, nil

	case "EOSE":
		if len(arr) < 2 {
			return nil, fmt.Errorf("malformed EOSE frame")
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, fmt.Errorf("malformed EOSE frame: %w", err)
		}
		return EOSEMessage{SubscriptionID: subID}, nil

	case "CLOSED":
		if len(arr) < 2 {
			return nil, fmt.Errorf("malformed CLOSED frame")
		}
		var msg ClosedMessage
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("malformed CLOSED frame: %w", err)
		}
		if len(arr) >= 3 {
			if err := json.Unmarshal(arr[2], &msg.Reason); err != nil {
				return nil, fmt.Errorf("malformed CLOSED frame: %w", err)
			}
		}
		return msg, nil

	case "NOTICE":
		if len(arr) < 2 {
			return nil, fmt.Errorf("malformed NOTICE frame")
		}
		var msg NoticeMessage
		if err := json.Unmarshal(arr[1], &msg.Message); err != nil {
			return nil, fmt.Errorf("malformed NOTICE frame: %w", err)
		}
		return msg, nil

	case "AUTH":
		if len(arr) < 2 {
			return nil, fmt.Errorf("malformed AUTH frame")
		}
		var msg AuthChallengeMessage
		if err := json.Unmarshal(arr[1], &msg.Challenge); err != nil {
			return nil, fmt.Errorf("malformed AUTH frame: %w", err)
		}
		return msg, nil

	case "COUNT":
		if len(arr) < 3 {
			return nil, fmt.Errorf("malformed COUNT frame")
		}
		var msg CountMessage
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("malformed COUNT frame: %w", err)
		}
		var body struct {
			Count int64 `json:"count"`
		}
		if err := json.Unmarshal(arr[2], &body); err != nil {
			return nil, fmt.Errorf("malformed COUNT frame: %w", err)
		}
		msg.Count = body.Count
		return msg, nil

	case "NEG-MSG":
		if len(arr) < 3 {
			return nil, fmt.Errorf("malformed NEG-MSG frame")
		}
		var msg NegMsgMessage
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("malformed NEG-MSG frame: %w", err)
		}
		if err := json.Unmarshal(arr[2], &msg.Payload); err != nil {
			return nil, fmt.Errorf("malformed NEG-MSG frame: %w", err)
		}
		return msg, nil

	case "NEG-ERR":
		if len(arr) < 3 {
			return nil, fmt.Errorf("malformed NEG-ERR frame")
		}
		var msg NegErrMessage
		if err := json.Unmarshal(arr[1], &msg.SubscriptionID); err != nil {
			return nil, fmt.Errorf("malformed NEG-ERR frame: %w", err)
		}
		if err := json.Unmarshal(arr[2], &msg.Reason); err != nil {
			return nil, fmt.Errorf("malformed NEG-ERR frame: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown frame label %q", kind)
	}
}

// Client → relay frame builders. Each marshals a top-level JSON array like
// ["REQ", subID, filter...].

func eventFrame(evt *nostr.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", evt})
}

func reqFrame(subID string, filters []nostr.Filter) ([]byte, error) {
	arr := make([]interface{}, 0, 2+len(filters))
	arr = append(arr, "REQ", subID)
	for i := range filters {
		arr = append(arr, filters[i])
	}
	return json.Marshal(arr)
}

func closeFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

func authFrame(evt *nostr.Event) ([]byte, error) {
	return json.Marshal([]interface{}{"AUTH", evt})
}

func countFrame(subID string, filter nostr.Filter) ([]byte, error) {
	return json.Marshal([]interface{}{"COUNT", subID, filter})
}

func negOpenFrame(subID string, filter nostr.Filter, initial string) ([]byte, error) {
	return json.Marshal([]interface{}{"NEG-OPEN", subID, filter, initial})
}

func negMsgFrame(subID, payload string) ([]byte, error) {
	return json.Marshal([]interface{}{"NEG-MSG", subID, payload})
}

func negCloseFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"NEG-CLOSE", subID})
}
