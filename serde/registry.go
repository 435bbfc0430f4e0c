// Package serde turns domain events into journal events and back.
//
// Every event variant is registered under a manifest, "Name.V<version>".
// Superseded variants are registered together with an upcaster to newer
// variants, and decoding always runs the upcasters, so code past Decode only
// sees current variants. A manifest that has been written must stay
// registered for as long as the journal holds events carrying it.
package serde

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/journal"
	jsoniter "github.com/json-iterator/go"
)

// Sorted map keys keep the encoding deterministic.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrNotRegistered     = errors.New("event type is not registered")
	ErrDuplicateManifest = errors.New("manifest is already registered")
	ErrDuplicateType     = errors.New("go type is already registered")
	ErrNotEvent          = errors.New("type does not implement the event interface")
	errUpcastLoop        = errors.New("upcast chain does not terminate")
)

const maxUpcastDepth = 16

type variant[E any] struct {
	manifest string
	typ      reflect.Type
	decode   func([]byte) (E, error)
	upcast   func(E) []E
}

// Registry knows every variant of the event interface E.
type Registry[E any] struct {
	lock       sync.RWMutex
	byManifest map[string]*variant[E]
	byType     map[reflect.Type]*variant[E]
}

func NewRegistry[E any]() *Registry[E] {
	return &Registry[E]{
		byManifest: map[string]*variant[E]{},
		byType:     map[reflect.Type]*variant[E]{},
	}
}

// Register adds T as the current schema of its event under manifest.
func Register[E, T any](r *Registry[E], manifest string) error {
	return register[E, T](r, manifest, nil)
}

// RegisterLegacy adds a superseded schema. upcast maps a legacy value to one
// or more events, which may themselves be legacy.
func RegisterLegacy[E, T any](r *Registry[E], manifest string, upcast func(T) []E) error {
	if upcast == nil {
		return fmt.Errorf("legacy manifest %q needs an upcaster", manifest)
	}
	return register[E, T](r, manifest, func(e E) []E {
		return upcast(any(e).(T))
	})
}

func register[E, T any](r *Registry[E], manifest string, upcast func(E) []E) error {
	if _, _, err := ParseManifest(manifest); err != nil {
		return err
	}
	var zero T
	if _, ok := any(zero).(E); !ok {
		return fmt.Errorf("%w: %T for %q", ErrNotEvent, zero, manifest)
	}
	typ := reflect.TypeOf(zero)
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.byManifest[manifest]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateManifest, manifest)
	}
	if v, ok := r.byType[typ]; ok {
		return fmt.Errorf("%w: %s is %q", ErrDuplicateType, typ, v.manifest)
	}
	v := &variant[E]{
		manifest: manifest,
		typ:      typ,
		upcast:   upcast,
		decode: func(payload []byte) (E, error) {
			var t T
			if err := json.Unmarshal(payload, &t); err != nil {
				var e E
				return e, err
			}
			return any(t).(E), nil
		},
	}
	r.byManifest[manifest] = v
	r.byType[typ] = v
	log.Trace("registered event", "manifest", manifest, "type", typ.String(), "legacy", upcast != nil)
	return nil
}

func (r *Registry[E]) variantOf(e E) (*variant[E], error) {
	typ := reflect.TypeOf(e)
	r.lock.RLock()
	defer r.lock.RUnlock()
	v, ok := r.byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotRegistered, typ)
	}
	return v, nil
}

// ManifestOf returns the manifest e is serialized under.
func (r *Registry[E]) ManifestOf(e E) (string, error) {
	v, err := r.variantOf(e)
	if err != nil {
		return "", err
	}
	return v.manifest, nil
}

// Serialize encodes e as JSON under its manifest with a fresh v7 event id.
func (r *Registry[E]) Serialize(e E) (journal.Event, error) {
	v, err := r.variantOf(e)
	if err != nil {
		return journal.Event{}, err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return journal.Event{}, fmt.Errorf("serializing %q: %w", v.manifest, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return journal.Event{}, err
	}
	return journal.Event{
		ID:       id,
		Manifest: v.manifest,
		Payload:  payload,
	}, nil
}

func (r *Registry[E]) SerializeAll(events []E) ([]journal.Event, error) {
	out := make([]journal.Event, len(events))
	for i, e := range events {
		je, err := r.Serialize(e)
		if err != nil {
			return nil, err
		}
		out[i] = je
	}
	return out, nil
}

// Deserialize decodes payload as the variant registered under manifest,
// without upcasting.
func (r *Registry[E]) Deserialize(manifest string, payload []byte) (E, error) {
	r.lock.RLock()
	v, ok := r.byManifest[manifest]
	r.lock.RUnlock()
	if !ok {
		var e E
		return e, fmt.Errorf("%w: %q", ErrUnknownEventType, manifest)
	}
	e, err := v.decode(payload)
	if err != nil {
		return e, fmt.Errorf("deserializing %q: %w", manifest, err)
	}
	return e, nil
}

// Upcast returns the current events e stands for. A current event is
// returned as is.
func (r *Registry[E]) Upcast(e E) ([]E, error) {
	return r.upcast(e, 0)
}

func (r *Registry[E]) upcast(e E, depth int) ([]E, error) {
	if depth > maxUpcastDepth {
		return nil, fmt.Errorf("%w: %T", errUpcastLoop, e)
	}
	v, err := r.variantOf(e)
	if err != nil {
		return nil, err
	}
	if v.upcast == nil {
		return []E{e}, nil
	}
	var out []E
	for _, next := range v.upcast(e) {
		current, err := r.upcast(next, depth+1)
		if err != nil {
			return nil, fmt.Errorf("upcasting %q: %w", v.manifest, err)
		}
		out = append(out, current...)
	}
	return out, nil
}

// Decode deserializes and upcasts a stored record.
func (r *Registry[E]) Decode(rec journal.Record) ([]E, error) {
	e, err := r.Deserialize(rec.Manifest, rec.Payload)
	if err != nil {
		return nil, err
	}
	return r.Upcast(e)
}

// IsCurrent reports whether manifest is registered without an upcaster.
func (r *Registry[E]) IsCurrent(manifest string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	v, ok := r.byManifest[manifest]
	return ok && v.upcast == nil
}

// Validate checks the registry as a whole. Every event name needs exactly one
// current version, newer than all of its legacy versions, and the zero value
// of every legacy variant has to upcast to current events.
func (r *Registry[E]) Validate() error {
	r.lock.RLock()
	type versions struct {
		current   []int
		maxLegacy int
	}
	names := map[string]*versions{}
	var legacy []*variant[E]
	for manifest, v := range r.byManifest {
		name, version, err := ParseManifest(manifest)
		if err != nil {
			r.lock.RUnlock()
			return err
		}
		vs, ok := names[name]
		if !ok {
			vs = &versions{}
			names[name] = vs
		}
		if v.upcast == nil {
			vs.current = append(vs.current, version)
			continue
		}
		legacy = append(legacy, v)
		if version > vs.maxLegacy {
			vs.maxLegacy = version
		}
	}
	r.lock.RUnlock()

	var errs []error
	for name, vs := range names {
		switch {
		case len(vs.current) == 0:
			errs = append(errs, fmt.Errorf("event %q has no current version", name))
		case len(vs.current) > 1:
			errs = append(errs, fmt.Errorf("event %q has %d current versions", name, len(vs.current)))
		case vs.current[0] <= vs.maxLegacy:
			errs = append(errs, fmt.Errorf("event %q current version %d is not newer than legacy version %d", name, vs.current[0], vs.maxLegacy))
		}
	}
	for _, v := range legacy {
		e, err := v.decode([]byte("{}"))
		if err != nil {
			errs = append(errs, fmt.Errorf("decoding empty %q: %w", v.manifest, err))
			continue
		}
		current, err := r.Upcast(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(current) == 0 {
			log.Debug("legacy event upcasts to nothing", "manifest", v.manifest)
		}
	}
	return errors.Join(errs...)
}
