package codec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string
	Tags  map[string]int
	Items []string
	Ptr   *sample
}

func TestMarshalDeterministic(t *testing.T) {
	a := map[string]int{"b": 2, "a": 1, "c": 3}
	b := map[string]int{"c": 3, "a": 1, "b": 2}
	ea, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	eb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Equal(ea, eb) {
		t.Fatalf("encoding depends on map order")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := sample{
		Name:  "root",
		Tags:  map[string]int{"x": 1},
		Items: []string{"a"},
		Ptr:   &sample{Name: "child"},
	}
	cp, err := Clone(orig)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	cp.Tags["x"] = 9
	cp.Items[0] = "z"
	cp.Ptr.Name = "mutated"
	if orig.Tags["x"] != 1 || orig.Items[0] != "a" || orig.Ptr.Name != "child" {
		t.Fatalf("clone shares memory with original: %+v", orig)
	}
}
