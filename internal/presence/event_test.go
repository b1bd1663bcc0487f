package presence

import (
	"errors"
	"testing"
)

func TestParseChangeEventAcceptsValidPayload(t *testing.T) {
	payload := []byte(`{
		"type": "UPDATE",
		"record": {
			"user_id": "user-a",
			"resource_kind": "note",
			"resource_id": "note-1",
			"cursor_x": 120,
			"cursor_y": 80,
			"is_active": true,
			"last_seen_s": 1700000000
		}
	}`)

	event, err := ParseChangeEvent(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != EventUpdate {
		t.Fatalf("unexpected event type %s", event.Type)
	}
	cursor := event.Record.Cursor()
	if cursor == nil || cursor.X != 120 || cursor.Y != 80 {
		t.Fatalf("unexpected cursor: %#v", cursor)
	}
	if event.Record.Selection() != nil {
		t.Fatal("expected absent selection to parse as nil")
	}
}

func TestParseChangeEventRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "malformed json", payload: `{"type":`, want: ErrInvalidEventPayload},
		{name: "unknown type tag", payload: `{"type":"UPSERT","record":{"user_id":"u","resource_kind":"note","resource_id":"n"}}`, want: ErrInvalidEventType},
		{name: "missing user id", payload: `{"type":"INSERT","record":{"resource_kind":"note","resource_id":"n"}}`, want: ErrInvalidUserID},
		{name: "bad resource kind", payload: `{"type":"INSERT","record":{"user_id":"u","resource_kind":"board","resource_id":"n"}}`, want: ErrInvalidResourceID},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChangeEvent([]byte(tc.payload))
			if err == nil {
				t.Fatal("expected parse error")
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestChangeEventEncodeRoundTrip(t *testing.T) {
	record := Record{
		UserID:          "user-a",
		ResourceKind:    ResourceKindFolder,
		ResourceID:      "folder-1",
		IsActive:        true,
		LastSeenSeconds: 1700000000,
	}
	record.SetSelection(SelectionRange{Start: 2, End: 8})

	encoded, err := ChangeEvent{Type: EventInsert, Record: record}.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := ParseChangeEvent(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != EventInsert {
		t.Fatalf("unexpected type %s", decoded.Type)
	}
	selection := decoded.Record.Selection()
	if selection == nil || selection.Start != 2 || selection.End != 8 {
		t.Fatalf("unexpected selection: %#v", selection)
	}
}
