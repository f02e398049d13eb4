package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode_KeepsNullableFields(t *testing.T) {
	r := selecting(roomWith("A", "B"))
	r.Claims["g1"] = "B"

	data, err := Encode(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	lobby, err := Encode(roomWith("A"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, field := range []string{`"deadline":null`, `"activeSelectionId":null`, `"mapSelection":null`, `"claims":{}`} {
		if !strings.Contains(string(lobby), field) {
			t.Fatalf("lobby document %s missing %s", lobby, field)
		}
	}
}

func TestDecode_Repairs(t *testing.T) {
	cases := []struct {
		name  string
		doc   string
		check func(t *testing.T, r Room)
	}{
		{
			name: "claims of departed members dropped",
			doc:  `{"code":"111111","leaderId":"A","phase":"SELECTION","deadline":"2025-03-01T12:00:10Z","claims":{"g1":"A","g2":"Z"},"members":[{"identity":"A","displayName":"a"}]}`,
			check: func(t *testing.T, r Room) {
				if diff := cmp.Diff(map[string]string{"g1": "A"}, r.Claims); diff != "" {
					t.Fatalf("claims (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "missing claims map",
			doc:  `{"code":"111111","leaderId":"A","phase":"LOBBY","members":[{"identity":"A","displayName":"a"}]}`,
			check: func(t *testing.T, r Room) {
				if r.Claims == nil {
					t.Fatalf("claims should be an empty map")
				}
			},
		},
		{
			name: "leader gone falls back to first member",
			doc:  `{"code":"111111","leaderId":"Z","phase":"LOBBY","claims":{},"members":[{"identity":"B","displayName":"b"},{"identity":"C","displayName":"c"}]}`,
			check: func(t *testing.T, r Room) {
				if r.LeaderID != "B" {
					t.Fatalf("want leader B, got %q", r.LeaderID)
				}
			},
		},
		{
			name: "lobby leftovers cleared",
			doc:  `{"code":"111111","leaderId":"A","phase":"LOBBY","activeSelectionId":"X","deadline":"2025-03-01T12:00:10Z","claims":{"g1":"A"},"members":[{"identity":"A","displayName":"a"}]}`,
			check: func(t *testing.T, r Room) {
				if r.Deadline != nil || r.ActiveSelectionID != nil || len(r.Claims) != 0 {
					t.Fatalf("lobby not cleaned: %+v", r)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Decode([]byte(tc.doc))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tc.check(t, r)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{name: "not json", doc: `{"code":`},
		{name: "no members", doc: `{"code":"111111","leaderId":"A","phase":"LOBBY","members":[]}`},
		{name: "unknown phase", doc: `{"code":"111111","leaderId":"A","phase":"PLANNING","members":[{"identity":"A"}]}`},
		{name: "missing code", doc: `{"leaderId":"A","phase":"LOBBY","members":[{"identity":"A"}]}`},
		{name: "selection without deadline", doc: `{"code":"111111","leaderId":"A","phase":"SELECTION","members":[{"identity":"A"}]}`},
		{name: "duplicate members", doc: `{"code":"111111","leaderId":"A","phase":"LOBBY","members":[{"identity":"A"},{"identity":"A"}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.doc))
			if !errors.Is(err, ErrMalformedRoom) {
				t.Fatalf("want ErrMalformedRoom, got %v", err)
			}
		})
	}
}

func TestDecode_RoomLargerThanCapacity(t *testing.T) {
	doc := `{"code":"111111","leaderId":"A","phase":"LOBBY","claims":{},"members":[{"identity":"A"},{"identity":"B"},{"identity":"C"},{"identity":"D"},{"identity":"E"}]}`
	rules := DefaultRules()
	rules.Capacity = 3

	r, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("a room stored under a larger capacity must stay readable: %v", err)
	}
	if len(r.Members) != 5 {
		t.Fatalf("want 5 members, got %d", len(r.Members))
	}
	if _, err := Join(r, member("F"), rules); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("want ErrRoomFull on join, got %v", err)
	}
	if _, err := StartActivity(r, "A", "X", "", time.Now(), rules); err != nil {
		t.Fatalf("start activity in oversized room: %v", err)
	}
}
