package pdu

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPackSeptetsKnownVector(t *testing.T) {
	septets, ok := encodeGSM7("hellohello")
	if !ok {
		t.Fatal("expected GSM 7-bit representable text")
	}
	got := strings.ToUpper(hex.EncodeToString(packSeptets(septets, 0)))
	if got != "E8329BFD4697D9EC37" {
		t.Errorf("packed = %s, want E8329BFD4697D9EC37", got)
	}

	unpacked, err := unpackSeptets(packSeptets(septets, 0), len(septets))
	if err != nil {
		t.Fatalf("unpackSeptets: %v", err)
	}
	if decodeGSM7(unpacked) != "hellohello" {
		t.Errorf("unpacked %q", decodeGSM7(unpacked))
	}
}

func TestDecodeKnownPDU(t *testing.T) {
	// SMSC +31624000000, sender +31641600986, "How are you?".
	raw, _ := hex.DecodeString("07911326040000F0040B911346610089F60000208062917314080CC8F71D14969741F977FD07")

	msg, err := Decode(raw, Format3GPP)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Sender != "+31641600986" {
		t.Errorf("sender = %q", msg.Sender)
	}
	if msg.Body != "How are you?" {
		t.Errorf("body = %q", msg.Body)
	}
	if msg.Alphabet != AlphabetGSM7 {
		t.Errorf("alphabet = %s", msg.Alphabet)
	}
	if msg.SentAt.Year() != 2002 || msg.SentAt.Month() != time.August || msg.SentAt.Day() != 26 {
		t.Errorf("sent at = %v", msg.SentAt)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 30, 5, 0, time.FixedZone("", -5*3600))

	tests := []struct {
		name     string
		sender   string
		text     string
		alphabet Alphabet
	}{
		{"gsm7 international", "+1555", "You won a prize, click http://bad.link", AlphabetGSM7},
		{"gsm7 extension", "5551234", "Pay {now} at [link] for 10€ ~ ok", AlphabetGSM7},
		{"ucs2", "+573001112233", "Su paquete está retenido 📦 pague aquí", AlphabetUCS2},
		{"alphanumeric sender", "Bancolombia", "Codigo 123456", AlphabetGSM7},
		{"empty body", "+1555", "", AlphabetGSM7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdus, err := EncodeDeliver(tt.sender, tt.text, ts)
			if err != nil {
				t.Fatalf("EncodeDeliver: %v", err)
			}
			if len(pdus) != 1 {
				t.Fatalf("expected 1 pdu, got %d", len(pdus))
			}
			msg, err := Decode(pdus[0], "")
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.Sender != tt.sender {
				t.Errorf("sender = %q, want %q", msg.Sender, tt.sender)
			}
			if msg.Body != tt.text {
				t.Errorf("body = %q, want %q", msg.Body, tt.text)
			}
			if msg.Alphabet != tt.alphabet {
				t.Errorf("alphabet = %s, want %s", msg.Alphabet, tt.alphabet)
			}
			if !msg.SentAt.Equal(ts) {
				t.Errorf("sent at = %v, want %v", msg.SentAt, ts)
			}
		})
	}
}

func TestEncodeMultipartGSM7(t *testing.T) {
	text := strings.Repeat("0123456789", 35) // 350 septets
	pdus, err := EncodeDeliver("+1555", text, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("EncodeDeliver: %v", err)
	}
	if len(pdus) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(pdus))
	}

	var joined strings.Builder
	for i, raw := range pdus {
		msg, err := Decode(raw, Format3GPP)
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if !msg.HasUDH {
			t.Errorf("part %d: expected UDH", i)
		}
		joined.WriteString(msg.Body)
	}
	if joined.String() != text {
		t.Errorf("reassembled text mismatch: %q", joined.String())
	}
}

func TestEncodeMultipartUCS2(t *testing.T) {
	text := strings.Repeat("ñ", 150)
	pdus, err := EncodeDeliver("+1555", text, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("EncodeDeliver: %v", err)
	}
	if len(pdus) != 1 {
		t.Fatalf("expected GSM 7-bit single part for 150 septets, got %d", len(pdus))
	}

	// Cyrillic has no GSM 7-bit form.
	text = strings.Repeat("д", 150)
	pdus, err = EncodeDeliver("+1555", text, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("EncodeDeliver: %v", err)
	}
	if len(pdus) != 3 {
		t.Fatalf("expected 3 UCS-2 parts, got %d", len(pdus))
	}
	var joined strings.Builder
	for i, raw := range pdus {
		msg, err := Decode(raw, Format3GPP)
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if msg.Alphabet != AlphabetUCS2 {
			t.Errorf("part %d: alphabet %s", i, msg.Alphabet)
		}
		joined.WriteString(msg.Body)
	}
	if joined.String() != text {
		t.Error("reassembled UCS-2 text mismatch")
	}
}

func TestSplitSeptetsKeepsEscapePairs(t *testing.T) {
	septets, _ := encodeGSM7(strings.Repeat("a", 152) + "€" + strings.Repeat("b", 20))
	parts := splitSeptets(septets)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0][len(parts[0])-1] == escape {
		t.Error("first part ends with a dangling escape")
	}
	if decodeGSM7(parts[0])+decodeGSM7(parts[1]) != strings.Repeat("a", 152)+"€"+strings.Repeat("b", 20) {
		t.Error("split changed the text")
	}
}

func TestDecodeErrors(t *testing.T) {
	good, err := EncodeDeliver("+1555", "hello", time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatal(err)
	}

	submit := append([]byte(nil), good[0]...)
	submit[1] = 0x01 // SMS-SUBMIT

	compressed := append([]byte(nil), good[0]...)
	// SMSC(1) + first(1) + addr(2+2) + PID(1) = DCS offset 7.
	compressed[7] = 0x20

	tests := []struct {
		name   string
		raw    []byte
		format string
		want   error
	}{
		{"empty", nil, Format3GPP, ErrMalformed},
		{"truncated header", good[0][:6], Format3GPP, ErrMalformed},
		{"truncated user data", good[0][:len(good[0])-2], Format3GPP, ErrMalformed},
		{"not deliver", submit, Format3GPP, ErrMalformed},
		{"3gpp2", good[0], Format3GPP2, ErrUnsupportedFormat},
		{"compressed", compressed, Format3GPP, ErrUnsupportedEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw, tt.format)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncodeAddressErrors(t *testing.T) {
	if _, err := EncodeDeliver("", "x", time.Now()); err == nil {
		t.Error("expected error for empty sender")
	}
	if _, err := EncodeDeliver("AVeryLongSenderName", "x", time.Now()); err == nil {
		t.Error("expected error for alphanumeric sender over 11 characters")
	}
}

func TestDecode8BitAsLatin1(t *testing.T) {
	// No SMSC, DELIVER, sender "12" national, PID 0, DCS 0x04 (8-bit).
	raw := []byte{0x00, 0x04, 0x02, 0x81, 0x21, 0x00, 0x04,
		0x42, 0x10, 0x10, 0x00, 0x00, 0x00, 0x00,
		0x03, 'a', 0xE9, 'z'}
	msg, err := Decode(raw, Format3GPP)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Sender != "12" {
		t.Errorf("sender = %q", msg.Sender)
	}
	if msg.Body != "aéz" {
		t.Errorf("body = %q", msg.Body)
	}
	if msg.Alphabet != Alphabet8Bit {
		t.Errorf("alphabet = %s", msg.Alphabet)
	}
}
