package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// The wire codec below encodes/decodes the NIP-01 JSON arrays by hand:
// go-nostr is consumed here purely for nostr.Event/nostr.Filter, and the
// envelope shape itself is just ["TYPE", ...fields], four lines of
// encoding/json either way.

// encodeEventMsg builds a client->relay ["EVENT", <event>] message.
func encodeEventMsg(evt *nostr.Event) ([]byte, error) {
	return json.Marshal([2]any{"EVENT", evt})
}

// encodeReq builds a client->relay ["REQ", <sub_id>, <filter>...] message.
func encodeReq(subID string, filters []nostr.Filter) ([]byte, error) {
	arr := make([]any, 0, 2+len(filters))
	arr = append(arr, "REQ", subID)
	for _, f := range filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

// encodeClose builds a client->relay ["CLOSE", <sub_id>] message.
func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([2]any{"CLOSE", subID})
}

// encodeAuth builds a client->relay ["AUTH", <event>] message (NIP-42).
func encodeAuth(evt *nostr.Event) ([]byte, error) {
	return json.Marshal([2]any{"AUTH", evt})
}

// encodeNegOpen/NegMsg/NegClose build the NIP-77 negentropy envelopes used
// by package negentropy through relay.Conn.SendRaw.
func encodeNegOpen(subID string, filter nostr.Filter, initialMsg string) ([]byte, error) {
	return json.Marshal([4]any{"NEG-OPEN", subID, filter, initialMsg})
}

func encodeNegMsg(subID, msg string) ([]byte, error) {
	return json.Marshal([3]any{"NEG-MSG", subID, msg})
}

func encodeNegClose(subID string) ([]byte, error) {
	return json.Marshal([2]any{"NEG-CLOSE", subID})
}

// serverMessage is the decoded shape of any relay->client message.
type serverMessage struct {
	Kind       string
	SubID      string
	Event      *nostr.Event
	OKEventID  string
	OKAccepted bool
	OKMessage  string
	Notice     string
	ClosedMsg  string
	NegMsg     string
	CountValue int64
}

func parseServerMessage(data []byte) (*serverMessage, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("relay: malformed message: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("relay: empty message")
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return nil, fmt.Errorf("relay: missing message type: %w", err)
	}

	msg := &serverMessage{Kind: kind}
	switch kind {
	case "EVENT":
		if len(raw) < 3 {
			return nil, fmt.Errorf("relay: malformed EVENT message")
		}
		if err := json.Unmarshal(raw[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("relay: malformed EVENT sub id: %w", err)
		}
		var evt nostr.Event
		if err := json.Unmarshal(raw[2], &evt); err != nil {
			return nil, fmt.Errorf("relay: malformed EVENT payload: %w", err)
		}
		msg.Event = &evt
	case "EOSE", "CLOSED":
		if len(raw) < 2 {
			return nil, fmt.Errorf("relay: malformed %s message", kind)
		}
		if err := json.Unmarshal(raw[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("relay: malformed %s sub id: %w", kind, err)
		}
		if kind == "CLOSED" && len(raw) >= 3 {
			_ = json.Unmarshal(raw[2], &msg.ClosedMsg)
		}
	case "OK":
		if len(raw) < 4 {
			return nil, fmt.Errorf("relay: malformed OK message")
		}
		if err := json.Unmarshal(raw[1], &msg.OKEventID); err != nil {
			return nil, fmt.Errorf("relay: malformed OK id: %w", err)
		}
		_ = json.Unmarshal(raw[2], &msg.OKAccepted)
		_ = json.Unmarshal(raw[3], &msg.OKMessage)
	case "NOTICE":
		if len(raw) < 2 {
			return nil, fmt.Errorf("relay: malformed NOTICE message")
		}
		_ = json.Unmarshal(raw[1], &msg.Notice)
	case "AUTH":
		if len(raw) < 2 {
			return nil, fmt.Errorf("relay: malformed AUTH message")
		}
		_ = json.Unmarshal(raw[1], &msg.Notice) // challenge string
	case "NEG-MSG":
		if len(raw) < 3 {
			return nil, fmt.Errorf("relay: malformed NEG-MSG message")
		}
		_ = json.Unmarshal(raw[1], &msg.SubID)
		_ = json.Unmarshal(raw[2], &msg.NegMsg)
	case "NEG-ERR":
		if len(raw) < 3 {
			return nil, fmt.Errorf("relay: malformed NEG-ERR message")
		}
		_ = json.Unmarshal(raw[1], &msg.SubID)
		_ = json.Unmarshal(raw[2], &msg.Notice)
	case "COUNT":
		if len(raw) < 2 {
			return nil, fmt.Errorf("relay: malformed COUNT message")
		}
		_ = json.Unmarshal(raw[1], &msg.SubID)
		if len(raw) >= 3 {
			var obj struct {
				Count int64 `json:"count"`
			}
			_ = json.Unmarshal(raw[2], &obj)
			msg.CountValue = obj.Count
		}
	default:
		return nil, fmt.Errorf("relay: unknown message type %q", kind)
	}
	return msg, nil
}
