package principal

import (
	"errors"
	"testing"
)

func TestParseAddress_Canonicalises(t *testing.T) {
	got, err := ParseAddress("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed" {
		t.Fatalf("expected lowercase canonical form, got %s", got)
	}
}

func TestParseAddress_Rejects(t *testing.T) {
	cases := []string{
		"",
		"0x",
		"5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beae",
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaedff",
		"0xzzaeb6053f3e94c9b9a09f33669435e7ef1beaed",
	}
	for _, c := range cases {
		if _, err := ParseAddress(c); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q): expected ErrInvalidAddress, got %v", c, err)
		}
	}
}

func TestAddress_IsZero(t *testing.T) {
	if !ZeroAddress.IsZero() {
		t.Fatal("ZeroAddress must be zero")
	}
	if !Address("").IsZero() {
		t.Fatal("empty address must be zero")
	}
	if MustParseAddress("0x0000000000000000000000000000000000000001").IsZero() {
		t.Fatal("non-zero address reported as zero")
	}
}

func TestAddress_Checksum(t *testing.T) {
	// Reference vectors from EIP-55.
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		a := MustParseAddress(want)
		if got := a.Checksum(); got != want {
			t.Errorf("checksum mismatch: want %s got %s", want, got)
		}
	}
}
