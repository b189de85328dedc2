package provider

import (
	"unicode/utf16"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

const (
	gsm7SingleSegmentSeptets = 160
	gsm7MultiSegmentSeptets  = 153
	ucs2SingleSegmentUnits   = 70
	ucs2MultiSegmentUnits    = 67
)

// GSM 03.38 default alphabet. The escape character itself is not sendable.
const gsm7Basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// Extension table characters cost two septets (escape + char).
const gsm7Extension = "\f^{}\\[~]|€"

var (
	gsm7BasicSet     = runeSet(gsm7Basic)
	gsm7ExtensionSet = runeSet(gsm7Extension)
)

func runeSet(s string) map[rune]struct{} {
	m := make(map[rune]struct{}, len(s))
	for _, r := range s {
		m[r] = struct{}{}
	}
	return m
}

// BodyInfo is the wire shape of a message body.
type BodyInfo struct {
	Encoding coredomain.Encoding
	Units    int // septets for GSM-7, UTF-16 code units for UCS-2
	Segments int
}

// DetectEncoding picks GSM-7 when every character is representable in the
// default alphabet or its extension table, UCS-2 otherwise.
func DetectEncoding(body string) coredomain.Encoding {
	if _, ok := gsm7Septets(body); ok {
		return coredomain.EncodingGSM7
	}
	return coredomain.EncodingUCS2
}

// Analyze returns the encoding, length in encoding units and segment count of body.
func Analyze(body string) BodyInfo {
	if septets, ok := gsm7Septets(body); ok {
		return BodyInfo{
			Encoding: coredomain.EncodingGSM7,
			Units:    septets,
			Segments: segments(septets, gsm7SingleSegmentSeptets, gsm7MultiSegmentSeptets),
		}
	}
	units := len(utf16.Encode([]rune(body)))
	return BodyInfo{
		Encoding: coredomain.EncodingUCS2,
		Units:    units,
		Segments: segments(units, ucs2SingleSegmentUnits, ucs2MultiSegmentUnits),
	}
}

func gsm7Septets(body string) (int, bool) {
	n := 0
	for _, r := range body {
		if _, ok := gsm7BasicSet[r]; ok {
			n++
			continue
		}
		if _, ok := gsm7ExtensionSet[r]; ok {
			n += 2
			continue
		}
		return 0, false
	}
	return n, true
}

func segments(units, single, multi int) int {
	switch {
	case units == 0:
		return 0
	case units <= single:
		return 1
	default:
		return (units + multi - 1) / multi
	}
}
