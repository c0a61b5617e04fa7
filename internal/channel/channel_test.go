package channel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func TestSegments(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		encoding  string
		segments  int
		remaining int
	}{
		{"empty", "", EncodingGSM7, 0, 160},
		{"short gsm", "Hello", EncodingGSM7, 1, 155},
		{"full single gsm", strings.Repeat("a", 160), EncodingGSM7, 1, 0},
		{"two gsm segments", strings.Repeat("a", 161), EncodingGSM7, 2, 145},
		{"extension chars count double", strings.Repeat("€", 80), EncodingGSM7, 1, 0},
		{"ucs2", "Hola 👋", EncodingUCS2, 1, 63},
		{"two ucs2 segments", strings.Repeat("ж", 71), EncodingUCS2, 2, 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, segs, rem := Segments(tt.text)
			assert.Equal(t, tt.encoding, enc)
			assert.Equal(t, tt.segments, segs)
			assert.Equal(t, tt.remaining, rem)
		})
	}
}

func TestIsGSM7(t *testing.T) {
	assert.True(t, IsGSM7("Price: 5€ [promo]"))
	assert.False(t, IsGSM7("こんにちは"))
}

func TestDescribe_WhatsApp(t *testing.T) {
	buttons := []schema.QuickReply{{Label: "Yes"}, {Label: "No"}, {Label: "Maybe"}, {Label: "This label is far too long to fit"}}

	meta := Describe(schema.ChannelWhatsApp, "hi", buttons, Options{})
	require.NotNil(t, meta)
	assert.Equal(t, WhatsAppSessionButtonsMax, meta.MaxButtons)
	assert.True(t, meta.ButtonsTruncated)
	assert.Len(t, meta.Warnings, 2)

	meta = Describe(schema.ChannelWhatsApp, "hi", buttons, Options{WhatsAppContext: ContextTemplate})
	assert.Equal(t, WhatsAppTemplateButtonsMax, meta.MaxButtons)
	assert.False(t, meta.ButtonsTruncated)
	assert.Len(t, meta.Warnings, 1)
}

func TestDescribe_SMS(t *testing.T) {
	meta := Describe(schema.ChannelSMS, strings.Repeat("x", 200), nil, Options{})
	require.NotNil(t, meta)
	assert.Equal(t, EncodingGSM7, meta.Encoding)
	assert.Equal(t, 2, meta.Segments)
	assert.Empty(t, meta.Warnings)

	meta = Describe(schema.ChannelSMS, "pick one", []schema.QuickReply{{Label: "A"}}, Options{})
	assert.NotEmpty(t, meta.Warnings)
}

func TestDescribe_OtherChannels(t *testing.T) {
	assert.Nil(t, Describe(schema.ChannelEmail, "hi", nil, Options{}))
}
