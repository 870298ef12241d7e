package domain

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRecipient(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr error
	}{
		{"valid address", "alice@example.com", nil},
		{"valid with subdomain", "bob@mail.example.co.uk", nil},
		{"valid with plus tag", "carol+tag@example.com", nil},
		{"empty", "", ErrInvalidRecipient},
		{"missing at", "alice.example.com", ErrInvalidRecipient},
		{"missing domain", "alice@", ErrInvalidRecipient},
		{"missing tld", "alice@localhost", ErrInvalidRecipient},
		{"display name form", "Alice <alice@example.com>", ErrInvalidRecipient},
		{"too long", strings.Repeat("a", 250) + "@example.com", ErrRecipientTooLong},
		{"local part too long", strings.Repeat("a", 65) + "@example.com", ErrInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipient(tt.address)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateOutbound(t *testing.T) {
	valid := func() (string, string, string) {
		return "alice@example.com", "hello", "body text"
	}

	t.Run("valid without attachments", func(t *testing.T) {
		r, s, b := valid()
		assert.NoError(t, ValidateOutbound(r, s, b, nil))
	})

	t.Run("subject too long", func(t *testing.T) {
		r, _, b := valid()
		err := ValidateOutbound(r, strings.Repeat("x", MaxSubjectLength+1), b, nil)
		assert.ErrorIs(t, err, ErrSubjectTooLong)
	})

	t.Run("body too large", func(t *testing.T) {
		r, s, _ := valid()
		err := ValidateOutbound(r, s, strings.Repeat("x", MaxBodyBytes+1), nil)
		assert.ErrorIs(t, err, ErrBodyTooLarge)
	})

	t.Run("too many attachments", func(t *testing.T) {
		r, s, b := valid()
		atts := make([]Attachment, MaxAttachmentCount+1)
		for i := range atts {
			atts[i] = Attachment{Filename: "a.txt", Content: base64.StdEncoding.EncodeToString([]byte("x"))}
		}
		err := ValidateOutbound(r, s, b, atts)
		assert.ErrorIs(t, err, ErrTooManyAttachments)
	})

	t.Run("attachment not base64", func(t *testing.T) {
		r, s, b := valid()
		err := ValidateOutbound(r, s, b, []Attachment{{Filename: "a.txt", Content: "not-base64!!!"}})
		assert.ErrorIs(t, err, ErrAttachmentInvalid)
	})

	t.Run("attachments exceed total limit", func(t *testing.T) {
		r, s, b := valid()
		big := base64.StdEncoding.EncodeToString(make([]byte, 6*1024*1024))
		err := ValidateOutbound(r, s, b, []Attachment{
			{Filename: "a.bin", Content: big},
			{Filename: "b.bin", Content: big},
		})
		assert.ErrorIs(t, err, ErrAttachmentsTooLarge)
	})
}

func TestAttachmentDecode(t *testing.T) {
	att := Attachment{Filename: "a.txt", Content: base64.StdEncoding.EncodeToString([]byte("hello"))}
	data, err := att.Decode()
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}
