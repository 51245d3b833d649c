package relay

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestEncodeReqShape(t *testing.T) {
	data, err := encodeReq("sub1", []nostr.Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatalf("encodeReq: %v", err)
	}
	msg, err := parseClientStyleArray(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg[0] != "REQ" || msg[1] != "sub1" {
		t.Fatalf("unexpected REQ shape: %v", msg[:2])
	}
}

func TestParseServerMessageEvent(t *testing.T) {
	data := []byte(`["EVENT","sub1",{"id":"abc","pubkey":"pk","created_at":1,"kind":1,"tags":[],"content":"hi","sig":"sig"}]`)
	msg, err := parseServerMessage(data)
	if err != nil {
		t.Fatalf("parseServerMessage: %v", err)
	}
	if msg.Kind != "EVENT" || msg.SubID != "sub1" || msg.Event == nil || msg.Event.ID != "abc" {
		t.Fatalf("unexpected parsed message: %+v", msg)
	}
}

func TestParseServerMessageOK(t *testing.T) {
	data := []byte(`["OK","abc",true,"duplicate:"]`)
	msg, err := parseServerMessage(data)
	if err != nil {
		t.Fatalf("parseServerMessage: %v", err)
	}
	if msg.Kind != "OK" || msg.OKEventID != "abc" || !msg.OKAccepted {
		t.Fatalf("unexpected parsed OK: %+v", msg)
	}
}

func TestParseServerMessageUnknownKind(t *testing.T) {
	if _, err := parseServerMessage([]byte(`["BOGUS"]`)); err == nil {
		t.Fatal("expected an error for an unrecognized message type")
	}
}

func parseClientStyleArray(data []byte) ([2]string, error) {
	// helper only exercises the first two positional fields, enough to
	// check REQ's (type, subID) prefix without decoding filters.
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return [2]string{}, err
	}
	var out [2]string
	out[0], _ = raw[0].(string)
	out[1], _ = raw[1].(string)
	return out, nil
}
