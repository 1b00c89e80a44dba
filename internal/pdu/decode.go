// Package pdu decodes and encodes 3GPP TS 23.040 SMS-DELIVER PDUs as they
// arrive from a modem, including the leading SMSC field.
package pdu

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

// Transport formats. Only 3GPP is decoded.
const (
	Format3GPP  = "3gpp"
	Format3GPP2 = "3gpp2"
)

var (
	ErrMalformed           = errors.New("malformed pdu")
	ErrUnsupportedFormat   = errors.New("unsupported pdu format")
	ErrUnsupportedEncoding = errors.New("unsupported data coding")
)

// Alphabet is the user data character set selected by TP-DCS.
type Alphabet string

const (
	AlphabetGSM7 Alphabet = "gsm7"
	Alphabet8Bit Alphabet = "8bit"
	AlphabetUCS2 Alphabet = "ucs2"
)

// Message is a decoded SMS-DELIVER.
type Message struct {
	Sender   string
	Body     string
	SentAt   time.Time // service centre timestamp
	Alphabet Alphabet
	HasUDH   bool
}

// Decode parses one PDU. An empty format is treated as 3GPP.
func Decode(raw []byte, format string) (Message, error) {
	if format != "" && format != Format3GPP {
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	r := &reader{b: raw}
	smscLen := int(r.byte())
	r.next(smscLen)

	first := r.byte()
	if r.err == nil && first&0x03 != 0x00 {
		return Message{}, fmt.Errorf("%w: message type %d is not SMS-DELIVER", ErrMalformed, first&0x03)
	}
	udhi := first&0x40 != 0

	digits := int(r.byte())
	toa := r.byte()
	addr := r.next((digits + 1) / 2)
	r.byte() // TP-PID
	dcs := r.byte()
	scts := r.next(7)
	udl := int(r.byte())
	if r.err != nil {
		return Message{}, r.err
	}

	sender, err := decodeAddress(digits, toa, addr)
	if err != nil {
		return Message{}, err
	}
	sentAt, err := decodeTimestamp(scts)
	if err != nil {
		return Message{}, err
	}
	alphabet, err := alphabetOf(dcs)
	if err != nil {
		return Message{}, err
	}
	body, err := decodeUserData(r.rest(), udl, udhi, alphabet)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Sender:   sender,
		Body:     body,
		SentAt:   sentAt,
		Alphabet: alphabet,
		HasUDH:   udhi,
	}, nil
}

// reader is a bounds-checked cursor; the first failure sticks.
type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrMalformed, r.pos)
		return nil
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) byte() byte {
	p := r.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) rest() []byte {
	return r.b[r.pos:]
}

const bcdDigits = "0123456789*#abc"

func decodeAddress(digits int, toa byte, data []byte) (string, error) {
	switch toa & 0x70 {
	case 0x50: // alphanumeric
		septets, err := unpackSeptets(data, digits*4/7)
		if err != nil {
			return "", err
		}
		return decodeGSM7(septets), nil
	}

	var b strings.Builder
	if toa&0x70 == 0x10 {
		b.WriteByte('+')
	}
	n := 0
	for _, o := range data {
		for _, nib := range [2]byte{o & 0x0F, o >> 4} {
			if n == digits || nib == 0x0F {
				break
			}
			b.WriteByte(bcdDigits[nib])
			n++
		}
	}
	return b.String(), nil
}

func swapBCD(b byte) int {
	return int(b&0x0F)*10 + int(b>>4)
}

func decodeTimestamp(scts []byte) (time.Time, error) {
	year := 2000 + swapBCD(scts[0])
	month := swapBCD(scts[1])
	day := swapBCD(scts[2])
	hour := swapBCD(scts[3])
	minute := swapBCD(scts[4])
	sec := swapBCD(scts[5])
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("%w: invalid service centre timestamp", ErrMalformed)
	}

	quarters := swapBCD(scts[6] & 0xF7)
	offset := quarters * 15 * 60
	if scts[6]&0x08 != 0 {
		offset = -offset
	}
	loc := time.FixedZone("", offset)
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc), nil
}

func alphabetOf(dcs byte) (Alphabet, error) {
	switch {
	case dcs&0xC0 == 0x00, dcs&0xC0 == 0x40:
		if dcs&0x20 != 0 {
			return "", fmt.Errorf("%w: compressed text (dcs 0x%02X)", ErrUnsupportedEncoding, dcs)
		}
		switch (dcs >> 2) & 0x03 {
		case 0:
			return AlphabetGSM7, nil
		case 1:
			return Alphabet8Bit, nil
		case 2:
			return AlphabetUCS2, nil
		}
	case dcs&0xF0 == 0xF0:
		if dcs&0x04 != 0 {
			return Alphabet8Bit, nil
		}
		return AlphabetGSM7, nil
	case dcs&0xF0 == 0xC0, dcs&0xF0 == 0xD0:
		return AlphabetGSM7, nil
	case dcs&0xF0 == 0xE0:
		return AlphabetUCS2, nil
	}
	return "", fmt.Errorf("%w: dcs 0x%02X", ErrUnsupportedEncoding, dcs)
}

func decodeUserData(ud []byte, udl int, udhi bool, alphabet Alphabet) (string, error) {
	if alphabet == AlphabetGSM7 {
		septets, err := unpackSeptets(ud, udl)
		if err != nil {
			return "", err
		}
		skip := 0
		if udhi {
			if len(ud) == 0 {
				return "", fmt.Errorf("%w: missing user data header", ErrMalformed)
			}
			skip = ((int(ud[0])+1)*8 + 6) / 7
			if skip > udl {
				return "", fmt.Errorf("%w: header longer than user data", ErrMalformed)
			}
		}
		return decodeGSM7(septets[skip:]), nil
	}

	if udl > len(ud) {
		return "", fmt.Errorf("%w: user data length %d exceeds %d octets", ErrMalformed, udl, len(ud))
	}
	data := ud[:udl]
	if udhi {
		if len(data) == 0 || int(data[0])+1 > len(data) {
			return "", fmt.Errorf("%w: header longer than user data", ErrMalformed)
		}
		data = data[int(data[0])+1:]
	}

	if alphabet == AlphabetUCS2 {
		if len(data)%2 != 0 {
			return "", fmt.Errorf("%w: odd UCS-2 length %d", ErrMalformed, len(data))
		}
		units := make([]uint16, len(data)/2)
		for i := range units {
			units[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
		}
		return string(utf16.Decode(units)), nil
	}

	// 8-bit data is surfaced as Latin-1 text.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), nil
}
