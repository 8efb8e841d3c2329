// Copyright (c) 2017-2020 The amber developers

package hash

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestHashSetBytes(t *testing.T) {
	blockHashBytes := HashB([]byte("test block"))

	var h Hash
	if err := h.SetBytes(blockHashBytes); err != nil {
		t.Fatalf("SetBytes: %v", err)
	}
	if !bytes.Equal(h[:], blockHashBytes) {
		t.Errorf("SetBytes: wrong hash - got %x, want %x",
			h[:], blockHashBytes)
	}

	// Invalid size for SetBytes.
	if err := h.SetBytes(blockHashBytes[:HashSize-1]); err == nil {
		t.Errorf("SetBytes: failed to received expected err - got nil")
	}
}

func TestHashString(t *testing.T) {
	// Block 100000 hash from the btc main network, used here only as a
	// well-known byte-reversed display form.
	wantStr := "000000000003ba27aa200b1cecaad478d2b00432346c3f1f3986da1afd33e506"
	hash := Hash([HashSize]byte{ // Make go vet happy.
		0x06, 0xe5, 0x33, 0xfd, 0x1a, 0xda, 0x86, 0x39,
		0x1f, 0x3f, 0x6c, 0x34, 0x32, 0x04, 0xb0, 0xd2,
		0x78, 0xd4, 0xaa, 0xec, 0x1c, 0x0b, 0x20, 0xaa,
		0x27, 0xba, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	})

	hashStr := hash.String()
	if hashStr != wantStr {
		t.Errorf("String: wrong hash string - got %v, want %v",
			hashStr, wantStr)
	}

	back, err := NewHashFromStr(hashStr)
	if err != nil {
		t.Fatalf("NewHashFromStr: %v", err)
	}
	if !back.IsEqual(&hash) {
		t.Errorf("NewHashFromStr: round trip mismatch - got %v", back)
	}
}

func TestNewHashFromStr(t *testing.T) {
	tests := []struct {
		in      string
		want    Hash
		wantErr bool
	}{
		// Empty string.
		{"", Hash{}, false},

		// Single digit hash.
		{"1", Hash([HashSize]byte{
			0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		}), false},

		// Hash string that is too long.
		{"01234567890123456789012345678901234567890123456789012345678912345",
			Hash{}, true},

		// Hash string that is contains non-hex chars.
		{"abcdefg", Hash{}, true},
	}

	for i, test := range tests {
		result, err := NewHashFromStr(test.in)
		if test.wantErr {
			if err == nil {
				t.Errorf("NewHashFromStr #%d: expected error", i)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewHashFromStr #%d: unexpected error: %v", i, err)
			continue
		}
		if !result.IsEqual(&test.want) {
			t.Errorf("NewHashFromStr #%d: got %v, want %v", i,
				result, test.want)
		}
	}
}

func TestDoubleHashH(t *testing.T) {
	data := []byte("amber")
	first := HashB(data)
	wantHex := hex.EncodeToString(HashB(first))

	got := DoubleHashH(data)
	if hex.EncodeToString(got[:]) != wantHex {
		t.Errorf("DoubleHashH: got %x, want %s", got[:], wantHex)
	}
	if !bytes.Equal(DoubleHashB(data), got[:]) {
		t.Errorf("DoubleHashB: mismatch with DoubleHashH")
	}
}

func TestIsEqualNil(t *testing.T) {
	var a, b *Hash
	if !a.IsEqual(b) {
		t.Errorf("IsEqual: two nil hashes should be equal")
	}
	h := HashH([]byte{0x01})
	if h.IsEqual(nil) {
		t.Errorf("IsEqual: non-nil hash equal to nil")
	}
}
