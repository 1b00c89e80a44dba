// Package smsdrop turns messages handed over by a modem daemon into inbox
// events. smstools3 hands each received message over as a file and
// gammu-smsd passes it through RunOnReceive environment variables. Both
// end up as an sms_received event the guardian daemon picks up.
package smsdrop

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

// SMS holds the fields guardiansms needs from a modem daemon message.
type SMS struct {
	From string
	Sent time.Time
	Body string
}

// smstoolsTime is the Sent/Received layout of smstools3 files.
const smstoolsTime = "06-01-02 15:04:05"

// ParseSMSTools parses an smstools3 incoming message file: header lines,
// a blank line, then the text. UCS2 bodies are decoded; status reports
// are rejected.
func ParseSMSTools(raw []byte) (*SMS, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	hdr, err := r.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse sms header: %w", err)
	}

	if hdr.Get("Discharge_timestamp") != "" || hdr.Get("Status") != "" {
		return nil, fmt.Errorf("status reports are not messages")
	}

	from := strings.TrimSpace(hdr.Get("From"))
	if from == "" {
		return nil, fmt.Errorf("sms missing From header")
	}
	// smstools drops the '+' of international numbers and keeps the type.
	if strings.HasPrefix(hdr.Get("From_TOA"), "91") && !strings.HasPrefix(from, "+") {
		from = "+" + from
	}

	body, err := io.ReadAll(r.R)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	switch {
	case strings.EqualFold(hdr.Get("Alphabet"), "UCS2"):
		if text, err = decodeUCS2(body); err != nil {
			return nil, err
		}
	case !utf8.Valid(body):
		// incoming_utf8 off: text is ISO-8859-1.
		text = decodeLatin1(body)
	}
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil, fmt.Errorf("sms from %s has no text", from)
	}

	sms := &SMS{From: from, Body: text, Sent: time.Now()}
	if sent := hdr.Get("Sent"); sent != "" {
		if ts, err := time.ParseInLocation(smstoolsTime, sent, time.Local); err == nil {
			sms.Sent = ts
		}
	}
	return sms, nil
}

// decodeUCS2 decodes big-endian UTF-16.
func decodeUCS2(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("ucs2 body has odd length %d", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return string(utf16.Decode(units)), nil
}

func decodeLatin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// FromGammuEnv reads a message from the variables gammu-smsd exports to a
// RunOnReceive program. Decoded multipart text is preferred over the raw
// parts.
func FromGammuEnv(getenv func(string) string) (*SMS, error) {
	from := getenv("SMS_1_NUMBER")
	if from == "" {
		return nil, fmt.Errorf("SMS_1_NUMBER is not set")
	}

	var text string
	if getenv("DECODED_PARTS") != "" && getenv("DECODED_PARTS") != "0" {
		text = getenv("DECODED_1_TEXT")
	}
	if text == "" {
		n := 1
		if v := getenv("SMS_MESSAGES"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return nil, fmt.Errorf("bad SMS_MESSAGES %q", v)
			}
		}
		var sb strings.Builder
		for i := 1; i <= n; i++ {
			sb.WriteString(getenv(fmt.Sprintf("SMS_%d_TEXT", i)))
		}
		text = sb.String()
	}
	if text == "" {
		return nil, fmt.Errorf("sms from %s has no text", from)
	}
	return &SMS{From: from, Body: text, Sent: time.Now()}, nil
}
