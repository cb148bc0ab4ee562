package domain

import (
	"errors"
	"testing"
)

func TestField_Newer(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Field
		wantA bool
	}{
		{"higher timestamp wins", Field{Timestamp: 3, Origin: "a"}, Field{Timestamp: 2, Origin: "z"}, true},
		{"lower timestamp loses", Field{Timestamp: 1, Origin: "z"}, Field{Timestamp: 2, Origin: "a"}, false},
		{"tie broken by larger origin", Field{Timestamp: 2, Origin: "node-b"}, Field{Timestamp: 2, Origin: "node-a"}, true},
		{"identical is not newer", Field{Timestamp: 2, Origin: "node-a"}, Field{Timestamp: 2, Origin: "node-a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Newer(tt.b); got != tt.wantA {
				t.Errorf("Newer() = %v, want %v", got, tt.wantA)
			}
		})
	}
}

func TestNextTimestamp(t *testing.T) {
	if got := NextTimestamp(4); got != 5 {
		t.Errorf("NextTimestamp(4) = %d, want 5", got)
	}
	if got := NextTimestamp(MaxTimestamp); got != MaxTimestamp {
		t.Errorf("NextTimestamp(MaxTimestamp) = %d, want saturation", got)
	}
}

func TestUnmarshalMessage(t *testing.T) {
	msg := &Message{
		Kind:      KindChange,
		SessionID: "s1",
		Origin:    "node-a",
		Changes:   []Change{{Key: "name", Field: Field{Value: "[STRING]jack", Timestamp: 1, Origin: "node-a"}}},
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SessionID != "s1" || len(got.Changes) != 1 || got.Changes[0].Field.Timestamp != 1 {
		t.Errorf("unexpected message: %+v", got)
	}

	bad := [][]byte{
		[]byte("not json"),
		[]byte(`{"kind":"change","changes":[]}`),
		[]byte(`{"kind":"bogus","session_id":"s1"}`),
		[]byte(`{"kind":"change","session_id":"s1","changes":[{"key":""}]}`),
	}
	for _, payload := range bad {
		if _, err := UnmarshalMessage(payload); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("payload %q: expected ErrMalformedMessage, got %v", payload, err)
		}
	}
}

func TestSnapshot_KeysAndClone(t *testing.T) {
	snap := &Snapshot{
		SessionID: "s1",
		Fields: map[string]Field{
			"b": {Value: "1"},
			"a": {Value: "2"},
			"z": {Value: "3"},
		},
		Order: []string{"b", "a", "gone"},
	}

	keys := snap.Keys()
	want := []string{"b", "a", "z"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}

	clone := snap.Clone()
	clone.Fields["a"] = Field{Value: "changed"}
	if snap.Fields["a"].Value != "2" {
		t.Error("Clone shares the field map with the original")
	}
}
