package serde

import (
	"errors"
	"reflect"
	"testing"

	"github.com/iidesho/ledger/journal"
)

type testEvent interface{ isTestEvent() }

type created struct {
	ID   string            `json:"id"`
	Tags map[string]string `json:"tags,omitempty"`
}

type renamedV1 struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type renamedV2 struct {
	ID    string `json:"id"`
	First string `json:"first"`
}

type renamed struct {
	ID    string `json:"id"`
	First string `json:"first"`
	Last  string `json:"last"`
}

type merged struct {
	ID string `json:"id"`
}

func (created) isTestEvent()   {}
func (renamedV1) isTestEvent() {}
func (renamedV2) isTestEvent() {}
func (renamed) isTestEvent()   {}
func (merged) isTestEvent()    {}

func newTestRegistry(t *testing.T) *Registry[testEvent] {
	r := NewRegistry[testEvent]()
	errs := []error{
		Register[testEvent, created](r, "Created.V1"),
		Register[testEvent, renamed](r, "Renamed.V3"),
		Register[testEvent, merged](r, "Merged.V1"),
		RegisterLegacy(r, "Renamed.V2", func(e renamedV2) []testEvent {
			return []testEvent{renamed{ID: e.ID, First: e.First}}
		}),
		RegisterLegacy(r, "Renamed.V1", func(e renamedV1) []testEvent {
			return []testEvent{renamedV2{ID: e.ID, First: e.Name}, merged{ID: e.ID}}
		}),
	}
	if err := errors.Join(errs...); err != nil {
		t.Fatal(err)
	}
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestManifest(t *testing.T) {
	m := Manifest("MoneyWithdrawn", 2)
	if m != "MoneyWithdrawn.V2" {
		t.Fatalf("manifest is %q", m)
	}
	name, version, err := ParseManifest(m)
	if err != nil {
		t.Fatal(err)
	}
	if name != "MoneyWithdrawn" || version != 2 {
		t.Errorf("parsed %q %d", name, version)
	}
	for _, bad := range []string{"", "NoVersion", ".V1", "X.V0", "X.Vx"} {
		if _, _, err := ParseManifest(bad); err == nil {
			t.Errorf("parsing %q did not fail", bad)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	events := []testEvent{
		created{ID: "a", Tags: map[string]string{"b": "2", "a": "1"}},
		renamed{ID: "a", First: "f", Last: "l"},
		renamedV1{ID: "a", Name: "n"},
		renamedV2{ID: "a", First: "f"},
		merged{ID: "a"},
	}
	for _, e := range events {
		je, err := r.Serialize(e)
		if err != nil {
			t.Fatal(err)
		}
		if je.ID.IsNil() {
			t.Error("serialized event has no id")
		}
		out, err := r.Deserialize(je.Manifest, je.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(out, e) {
			t.Errorf("round trip of %q gave %#v, expected %#v", je.Manifest, out, e)
		}
	}
}

func TestDeterministic(t *testing.T) {
	r := newTestRegistry(t)
	e := created{ID: "a", Tags: map[string]string{"z": "1", "a": "2", "m": "3"}}
	first, err := r.Serialize(e)
	if err != nil {
		t.Fatal(err)
	}
	for range 20 {
		again, err := r.Serialize(e)
		if err != nil {
			t.Fatal(err)
		}
		if string(again.Payload) != string(first.Payload) {
			t.Fatalf("payload changed from %s to %s", first.Payload, again.Payload)
		}
	}
}

func TestUnknownManifest(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Deserialize("Deleted.V1", []byte(`{}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("unknown manifest returned %v", err)
	}
	_, err = r.Decode(journal.Record{Event: journal.Event{Manifest: "Deleted.V1"}})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("decoding unknown manifest returned %v", err)
	}
}

func TestUpcastChain(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.Upcast(renamedV1{ID: "a", Name: "n"})
	if err != nil {
		t.Fatal(err)
	}
	expected := []testEvent{renamed{ID: "a", First: "n"}, merged{ID: "a"}}
	if !reflect.DeepEqual(out, expected) {
		t.Errorf("upcast gave %#v, expected %#v", out, expected)
	}
}

func TestUpcastIdempotentOnCurrent(t *testing.T) {
	r := newTestRegistry(t)
	for _, e := range []testEvent{created{ID: "a"}, renamed{ID: "a", First: "f"}, merged{ID: "a"}} {
		once, err := r.Upcast(e)
		if err != nil {
			t.Fatal(err)
		}
		if len(once) != 1 || !reflect.DeepEqual(once[0], e) {
			t.Errorf("current event %#v upcast to %#v", e, once)
		}
		twice, err := r.Upcast(once[0])
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(twice, once) {
			t.Errorf("second upcast gave %#v, first %#v", twice, once)
		}
	}
}

func TestDecode(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.Decode(journal.Record{Event: journal.Event{
		Manifest: "Renamed.V2",
		Payload:  []byte(`{"id":"a","first":"f"}`),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != (renamed{ID: "a", First: "f"}) {
		t.Errorf("decoded %#v", out)
	}
}

type notEvent struct{}

func TestRegisterErrors(t *testing.T) {
	r := newTestRegistry(t)
	if err := Register[testEvent, created](r, "Created.V2"); !errors.Is(err, ErrDuplicateType) {
		t.Errorf("registering a type twice returned %v", err)
	}
	if err := Register[testEvent, notEvent](r, "Other.V1"); !errors.Is(err, ErrNotEvent) {
		t.Errorf("registering a non event returned %v", err)
	}
	if err := Register[testEvent, merged](r, "Merged.V1"); err == nil {
		t.Error("registering a manifest twice did not fail")
	}
	if _, err := r.Serialize(nil); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("serializing nil returned %v", err)
	}
}

type orphanV1 struct{}

func (orphanV1) isTestEvent() {}

func TestValidate(t *testing.T) {
	r := NewRegistry[testEvent]()
	err := RegisterLegacy(r, "Orphan.V1", func(orphanV1) []testEvent { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if err = r.Validate(); err == nil {
		t.Error("legacy event without a current version passed validation")
	}
	if err = Register[testEvent, merged](r, "Orphan.V1"); err == nil {
		t.Error("duplicate manifest was accepted")
	}

	r = NewRegistry[testEvent]()
	if err = Register[testEvent, merged](r, "Merged.V1"); err != nil {
		t.Fatal(err)
	}
	if err = RegisterLegacy(r, "Merged.V2", func(orphanV1) []testEvent { return nil }); err != nil {
		t.Fatal(err)
	}
	if err = r.Validate(); err == nil {
		t.Error("current version older than legacy version passed validation")
	}
}
