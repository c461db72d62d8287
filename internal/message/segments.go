package message

import (
	"strings"
	"unicode/utf16"
)

// GSM 03.38 basic alphabet, escape character excluded.
const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Characters reached through the escape table cost two septets.
const gsmExtended = "^{}\\[~]|€\f"

// Encoding is the SMS data coding a body needs.
type Encoding string

const (
	EncodingGSM7 Encoding = "gsm7"
	EncodingUCS2 Encoding = "ucs2"
)

// Segments reports the encoding and number of SMS parts body needs.
// Splitting is the carrier's job; this is for logging and sizing.
func Segments(body string) (Encoding, int) {
	if body == "" {
		return EncodingGSM7, 0
	}

	septets := 0
	for _, r := range body {
		switch {
		case strings.ContainsRune(gsmBasic, r):
			septets++
		case strings.ContainsRune(gsmExtended, r):
			septets += 2
		default:
			return EncodingUCS2, parts(len(utf16.Encode([]rune(body))), 70, 67)
		}
	}
	return EncodingGSM7, parts(septets, 160, 153)
}

func parts(units, single, multi int) int {
	if units <= single {
		return 1
	}
	return (units + multi - 1) / multi
}
