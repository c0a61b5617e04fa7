// Package channel describes how a bot message renders on its delivery
// channel: SMS encoding and segment count, WhatsApp button limits.
package channel

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/rendis/chatflow/pkg/schema"
)

// WhatsApp limits.
const (
	WhatsAppSessionButtonsMax  = 3  // in-session interactive reply buttons
	WhatsAppTemplateButtonsMax = 10 // quick replies per template
	WhatsAppLabelMaxChars      = 25
)

// SMS segment sizes in characters.
const (
	gsmSingle = 160
	gsmConcat = 153
	ucsSingle = 70
	ucsConcat = 67
)

// SMS encodings.
const (
	EncodingGSM7 = "GSM-7"
	EncodingUCS2 = "UCS-2"
)

// Context selects between WhatsApp template and in-session messages.
type Context string

const (
	ContextSession  Context = "in-session"
	ContextTemplate Context = "template"
)

const gsmBasic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞ\x1bÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
	"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

// gsmExtension characters take two septets.
const gsmExtension = "^{}\\[~]|€\f"

// Segments reports the SMS encoding of text, the number of segments it
// occupies and the characters left in the last segment.
func Segments(text string) (encoding string, segments, remaining int) {
	units, gsm := measure(text)
	single, concat := gsmSingle, gsmConcat
	encoding = EncodingGSM7
	if !gsm {
		single, concat = ucsSingle, ucsConcat
		encoding = EncodingUCS2
	}
	if units == 0 {
		return encoding, 0, single
	}
	if units <= single {
		return encoding, 1, single - units
	}
	segments = (units + concat - 1) / concat
	return encoding, segments, segments*concat - units
}

// IsGSM7 reports whether text can be sent in the GSM 03.38 alphabet.
func IsGSM7(text string) bool {
	_, gsm := measure(text)
	return gsm
}

// measure counts text in GSM septets when every rune is in the GSM alphabet,
// and in UTF-16 code units otherwise.
func measure(text string) (int, bool) {
	septets := 0
	for _, r := range text {
		switch {
		case strings.ContainsRune(gsmBasic, r):
			septets++
		case strings.ContainsRune(gsmExtension, r):
			septets += 2
		default:
			return len(utf16.Encode([]rune(text))), false
		}
	}
	return septets, true
}

// Options tune Describe.
type Options struct {
	WhatsAppContext Context
}

// Describe computes channel metadata for a message. It never alters the
// message; limits that would be exceeded are reported as warnings.
func Describe(ch schema.Channel, text string, buttons []schema.QuickReply, opts Options) *schema.ChannelMeta {
	switch ch {
	case schema.ChannelSMS:
		enc, segs, _ := Segments(text)
		meta := &schema.ChannelMeta{Encoding: enc, Segments: segs}
		if len(buttons) > 0 {
			meta.Warnings = append(meta.Warnings, "sms does not render quick replies; send them as text")
		}
		return meta
	case schema.ChannelWhatsApp:
		limit := WhatsAppSessionButtonsMax
		if opts.WhatsAppContext == ContextTemplate {
			limit = WhatsAppTemplateButtonsMax
		}
		meta := &schema.ChannelMeta{MaxButtons: limit}
		if len(buttons) > limit {
			meta.ButtonsTruncated = true
			meta.Warnings = append(meta.Warnings,
				fmt.Sprintf("%d quick replies exceed the %s limit of %d", len(buttons), contextName(opts.WhatsAppContext), limit))
		}
		for _, b := range buttons {
			if n := len([]rune(b.Label)); n > WhatsAppLabelMaxChars {
				meta.Warnings = append(meta.Warnings,
					fmt.Sprintf("quick reply %q is %d characters, limit is %d", b.Label, n, WhatsAppLabelMaxChars))
			}
		}
		return meta
	default:
		return nil
	}
}

func contextName(c Context) string {
	if c == "" {
		return string(ContextSession)
	}
	return string(c)
}
