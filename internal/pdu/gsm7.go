package pdu

import "fmt"

// escape switches the next septet to the extension table.
const escape = 0x1B

// basicTable is the GSM 03.38 default alphabet, indexed by septet value.
const basicTable = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

var (
	gsm7Basic []rune
	gsm7Ext   = map[byte]rune{
		0x0A: '\f',
		0x14: '^',
		0x28: '{',
		0x29: '}',
		0x2F: '\\',
		0x3C: '[',
		0x3D: '~',
		0x3E: ']',
		0x40: '|',
		0x65: '€',
	}
	basicIndex map[rune]byte
	extIndex   map[rune]byte
)

func init() {
	gsm7Basic = []rune(basicTable)
	if len(gsm7Basic) != 128 {
		panic(fmt.Sprintf("pdu: GSM 7-bit table has %d entries", len(gsm7Basic)))
	}
	basicIndex = make(map[rune]byte, 127)
	for i, r := range gsm7Basic {
		if i == escape {
			continue
		}
		basicIndex[r] = byte(i)
	}
	extIndex = make(map[rune]byte, len(gsm7Ext))
	for code, r := range gsm7Ext {
		extIndex[r] = code
	}
}

// decodeGSM7 maps unpacked septets to text.
func decodeGSM7(septets []byte) string {
	out := make([]rune, 0, len(septets))
	for i := 0; i < len(septets); i++ {
		s := septets[i] & 0x7F
		if s != escape {
			out = append(out, gsm7Basic[s])
			continue
		}
		if i+1 >= len(septets) {
			break
		}
		i++
		next := septets[i] & 0x7F
		if r, ok := gsm7Ext[next]; ok {
			out = append(out, r)
		} else {
			// Unknown extension: receivers fall back to the basic table.
			out = append(out, gsm7Basic[next])
		}
	}
	return string(out)
}

// encodeGSM7 maps text to septets. ok is false when a rune has no GSM 7-bit form.
func encodeGSM7(s string) (septets []byte, ok bool) {
	septets = make([]byte, 0, len(s))
	for _, r := range s {
		if code, found := basicIndex[r]; found {
			septets = append(septets, code)
			continue
		}
		if code, found := extIndex[r]; found {
			septets = append(septets, escape, code)
			continue
		}
		return nil, false
	}
	return septets, true
}

// unpackSeptets extracts count septets packed LSB-first from data.
func unpackSeptets(data []byte, count int) ([]byte, error) {
	need := (count*7 + 7) / 8
	if count < 0 || need > len(data) {
		return nil, fmt.Errorf("%w: %d septets need %d octets, have %d", ErrMalformed, count, need, len(data))
	}
	out := make([]byte, count)
	for i := 0; i < count; i++ {
		bit := i * 7
		idx := bit / 8
		shift := uint(bit % 8)
		v := data[idx] >> shift
		if shift > 1 {
			v |= data[idx+1] << (8 - shift)
		}
		out[i] = v & 0x7F
	}
	return out, nil
}

// packSeptets packs septets LSB-first, leaving the first startBit bits zero
// for a user data header.
func packSeptets(septets []byte, startBit int) []byte {
	total := startBit + len(septets)*7
	out := make([]byte, (total+7)/8)
	for i, s := range septets {
		bit := startBit + i*7
		idx := bit / 8
		shift := uint(bit % 8)
		out[idx] |= s << shift
		if shift > 1 {
			out[idx+1] |= s >> (8 - shift)
		}
	}
	return out
}
