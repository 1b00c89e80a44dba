package pdu

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	maxSeptetsSingle = 160
	maxSeptetsPart   = 153
	maxUCS2Single    = 70
	maxUCS2Part      = 67
	udhConcatLen     = 6  // UDHL + IEI + IEL + ref + total + seq
	udhConcatBits    = 49 // header padded to a septet boundary

	dialDigits = "0123456789*#"
)

// EncodeDeliver builds SMS-DELIVER PDUs (with an empty SMSC field) carrying
// text from sender. Text longer than one PDU is split into concatenated parts.
func EncodeDeliver(sender, text string, ts time.Time) ([][]byte, error) {
	addr, err := encodeAddress(sender)
	if err != nil {
		return nil, err
	}
	scts := encodeTimestamp(ts)
	ref := byte(ts.UnixMilli())

	if septets, ok := encodeGSM7(text); ok {
		parts := splitSeptets(septets)
		out := make([][]byte, 0, len(parts))
		for i, part := range parts {
			var ud []byte
			udl := len(part)
			if len(parts) > 1 {
				ud = packSeptets(part, udhConcatBits)
				copy(ud, concatHeader(ref, len(parts), i+1))
				udl += udhConcatBits / 7
			} else {
				ud = packSeptets(part, 0)
			}
			out = append(out, assemble(addr, 0x00, scts, udl, ud, len(parts) > 1))
		}
		return out, nil
	}

	parts := splitUCS2(utf16.Encode([]rune(text)))
	out := make([][]byte, 0, len(parts))
	for i, part := range parts {
		var ud []byte
		if len(parts) > 1 {
			ud = append(ud, concatHeader(ref, len(parts), i+1)...)
		}
		for _, u := range part {
			ud = append(ud, byte(u>>8), byte(u))
		}
		out = append(out, assemble(addr, 0x08, scts, len(ud), ud, len(parts) > 1))
	}
	return out, nil
}

func assemble(addr []byte, dcs byte, scts []byte, udl int, ud []byte, udhi bool) []byte {
	first := byte(0x04) // SMS-DELIVER, no more messages to send
	if udhi {
		first |= 0x40
	}
	buf := make([]byte, 0, 2+len(addr)+2+len(scts)+1+len(ud))
	buf = append(buf, 0x00, first)
	buf = append(buf, addr...)
	buf = append(buf, 0x00, dcs)
	buf = append(buf, scts...)
	buf = append(buf, byte(udl))
	return append(buf, ud...)
}

func concatHeader(ref byte, total, seq int) []byte {
	return []byte{udhConcatLen - 1, 0x00, 0x03, ref, byte(total), byte(seq)}
}

func splitSeptets(septets []byte) [][]byte {
	if len(septets) <= maxSeptetsSingle {
		return [][]byte{septets}
	}
	var parts [][]byte
	for len(septets) > 0 {
		n := min(maxSeptetsPart, len(septets))
		// Never split an escape sequence across parts.
		if n < len(septets) && septets[n-1] == escape {
			n--
		}
		parts = append(parts, septets[:n])
		septets = septets[n:]
	}
	return parts
}

func splitUCS2(units []uint16) [][]uint16 {
	if len(units) <= maxUCS2Single {
		return [][]uint16{units}
	}
	var parts [][]uint16
	for len(units) > 0 {
		n := min(maxUCS2Part, len(units))
		if n < len(units) && units[n-1] >= 0xD800 && units[n-1] <= 0xDBFF {
			n--
		}
		parts = append(parts, units[:n])
		units = units[n:]
	}
	return parts
}

func encodeAddress(addr string) ([]byte, error) {
	if addr == "" {
		return nil, fmt.Errorf("sender address is required")
	}

	toa := byte(0x81)
	digits := addr
	if strings.HasPrefix(addr, "+") {
		toa = 0x91
		digits = addr[1:]
	}

	if digits != "" && strings.Trim(digits, dialDigits) == "" {
		out := []byte{byte(len(digits)), toa}
		for i := 0; i < len(digits); i += 2 {
			lo := byte(strings.IndexByte(bcdDigits, digits[i]))
			hi := byte(0x0F)
			if i+1 < len(digits) {
				hi = byte(strings.IndexByte(bcdDigits, digits[i+1]))
			}
			out = append(out, hi<<4|lo)
		}
		return out, nil
	}

	septets, ok := encodeGSM7(addr)
	if !ok || len(septets) > 11 {
		return nil, fmt.Errorf("sender %q cannot be encoded as an alphanumeric address", addr)
	}
	packed := packSeptets(septets, 0)
	semiOctets := (len(septets)*7 + 3) / 4
	return append([]byte{byte(semiOctets), 0xD0}, packed...), nil
}

func encodeBCD(v int) byte {
	return byte((v%10)<<4 | (v/10)%10)
}

func encodeTimestamp(ts time.Time) []byte {
	_, offset := ts.Zone()
	negative := offset < 0
	if negative {
		offset = -offset
	}
	tz := encodeBCD(offset / 900)
	if negative {
		tz |= 0x08
	}
	return []byte{
		encodeBCD(ts.Year() % 100),
		encodeBCD(int(ts.Month())),
		encodeBCD(ts.Day()),
		encodeBCD(ts.Hour()),
		encodeBCD(ts.Minute()),
		encodeBCD(ts.Second()),
		tz,
	}
}
