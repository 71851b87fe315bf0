package codec

import (
	"bytes"
	"testing"
)

func TestMarshal_Deterministic(t *testing.T) {
	value := map[string][]string{
		"zeta":  {"1", "2"},
		"alpha": {"x"},
		"mid":   nil,
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("iteration %d produced different bytes", i)
		}
	}
}

func TestArrayHeaderSize_MatchesEncoding(t *testing.T) {
	for _, n := range []int{0, 1, 23, 24, 255, 256, 1000, 65535, 65536} {
		elements := make([]int, n)
		data, err := Marshal(elements)
		if err != nil {
			t.Fatalf("Marshal(%d): %v", n, err)
		}
		// A zero int encodes as a single byte.
		if got, want := ArrayHeaderSize(n), len(data)-n; got != want {
			t.Errorf("ArrayHeaderSize(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestUnmarshal_RejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]int
	if err := Unmarshal(data, &out); err == nil {
		t.Fatal("expected duplicate map key error")
	}
}
