package storage

import (
	"errors"
	"testing"
)

type value struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

var s *Storage[value]

func TestInit(t *testing.T) {
	var err error
	s, err = Open[value](t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetGet(t *testing.T) {
	if err := s.Set("a", value{Name: "a", Count: 1}); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "a" || v.Count != 1 {
		t.Errorf("got %+v", v)
	}
	if _, err = s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing key returned %v", err)
	}
}

func TestUpdate(t *testing.T) {
	inc := func(stored value, found bool) (value, bool, error) {
		if !found {
			return value{Name: "b", Count: 1}, true, nil
		}
		stored.Count++
		return stored, true, nil
	}
	for range 3 {
		if err := s.Update("b", inc); err != nil {
			t.Fatal(err)
		}
	}
	v, err := s.Get("b")
	if err != nil {
		t.Fatal(err)
	}
	if v.Count != 3 {
		t.Errorf("count is %d, expected 3", v.Count)
	}
	err = s.Update("b", func(stored value, _ bool) (value, bool, error) {
		return value{}, false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ = s.Get("b"); v.Count != 3 {
		t.Error("update without write changed the value")
	}
}

func TestUInt64(t *testing.T) {
	v, err := s.GetUInt64("pos")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("unset counter is %d", v)
	}
	if err = s.SetUInt64("pos", 10); err != nil {
		t.Fatal(err)
	}
	if err = s.SetUInt64("pos", 4); err != nil {
		t.Fatal(err)
	}
	if v, _ = s.GetUInt64("pos"); v != 10 {
		t.Errorf("counter is %d after setting 10 then 4", v)
	}
}

func TestRange(t *testing.T) {
	seen := map[string]value{}
	for k, v := range s.Range() {
		seen[k] = v
	}
	if len(seen) != 2 {
		t.Errorf("range returned %d values, expected 2: %v", len(seen), seen)
	}
	if seen["b"].Count != 3 {
		t.Errorf("range value for b is %+v", seen["b"])
	}
}

func TestDelete(t *testing.T) {
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key returned %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("deleting a missing key returned %v", err)
	}
}

func TestTeardown(t *testing.T) {
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}
