// Package lnurl implements the wire-level pieces of the LNURL-Pay
// protocol: the metadata-array encoding, the offer and invoice response
// documents, BECH32 encoding of pay URLs and QR rendering.
package lnurl

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// The entry types of the LNURL-Pay metadata array. Entries appear in
// this exact order when present; only text/plain is required.
const (
	entryTypeText       = "text/plain"
	entryTypeLongText   = "text/long-desc"
	entryTypePNG        = "image/png;base64"
	entryTypeJPEG       = "image/jpeg;base64"
	entryTypeIdentifier = "text/identifier"
	entryTypeEmail      = "text/email"
)

// MetadataImage is an optional image attached to an offer. Exactly one
// of the two fields is set.
type MetadataImage struct {
	PNG  []byte `json:"png,omitempty"`
	JPEG []byte `json:"jpeg,omitempty"`
}

// MetadataIdentifier is an optional payee identifier attached to an
// offer. Exactly one of the two fields is set.
type MetadataIdentifier struct {
	Email string `json:"email,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Metadata is the payee-visible description of an offer. Its canonical
// wire form is the LNURL metadata array produced by Encode; the SHA-256
// of that exact string is the BOLT-11 description hash binding.
type Metadata struct {
	// Text is the required short description.
	Text string `json:"text"`

	// LongText is an optional long-form description.
	LongText string `json:"longText,omitempty"`

	// Image is an optional PNG or JPEG image.
	Image *MetadataImage `json:"image,omitempty"`

	// Identifier is an optional payee identifier.
	Identifier *MetadataIdentifier `json:"identifier,omitempty"`
}

// Encode serializes the metadata into the LNURL metadata array: a JSON
// array of [type, value] string pairs in canonical order.
func (m *Metadata) Encode() (string, error) {
	entries := [][2]string{
		{entryTypeText, m.Text},
	}

	if m.LongText != "" {
		entries = append(
			entries, [2]string{entryTypeLongText, m.LongText},
		)
	}

	if m.Image != nil {
		switch {
		case m.Image.PNG != nil:
			entries = append(entries, [2]string{
				entryTypePNG,
				base64.StdEncoding.EncodeToString(m.Image.PNG),
			})

		case m.Image.JPEG != nil:
			entries = append(entries, [2]string{
				entryTypeJPEG,
				base64.StdEncoding.EncodeToString(m.Image.JPEG),
			})

		default:
			return "", fmt.Errorf("metadata image has no content")
		}
	}

	if m.Identifier != nil {
		switch {
		case m.Identifier.Email != "":
			entries = append(entries, [2]string{
				entryTypeEmail, m.Identifier.Email,
			})

		case m.Identifier.Text != "":
			entries = append(entries, [2]string{
				entryTypeIdentifier, m.Identifier.Text,
			})

		default:
			return "", fmt.Errorf("metadata identifier has no " +
				"content")
		}
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("unable to encode metadata array: %w",
			err)
	}

	return string(encoded), nil
}

// DecodeMetadata parses an LNURL metadata array. Entries with an
// unknown type are skipped; a missing text/plain entry is an error.
func DecodeMetadata(encoded string) (*Metadata, error) {
	var entries [][]string
	if err := json.Unmarshal([]byte(encoded), &entries); err != nil {
		return nil, fmt.Errorf("unable to parse metadata array: %w",
			err)
	}

	var (
		metadata Metadata
		haveText bool
	)
	for _, entry := range entries {
		if len(entry) != 2 {
			continue
		}

		switch entry[0] {
		case entryTypeText:
			metadata.Text = entry[1]
			haveText = true

		case entryTypeLongText:
			metadata.LongText = entry[1]

		case entryTypePNG:
			raw, err := base64.StdEncoding.DecodeString(entry[1])
			if err != nil {
				return nil, fmt.Errorf("invalid png entry: %w",
					err)
			}
			metadata.Image = &MetadataImage{PNG: raw}

		case entryTypeJPEG:
			raw, err := base64.StdEncoding.DecodeString(entry[1])
			if err != nil {
				return nil, fmt.Errorf("invalid jpeg entry: "+
					"%w", err)
			}
			metadata.Image = &MetadataImage{JPEG: raw}

		case entryTypeEmail:
			metadata.Identifier = &MetadataIdentifier{
				Email: entry[1],
			}

		case entryTypeIdentifier:
			metadata.Identifier = &MetadataIdentifier{
				Text: entry[1],
			}

		default:
			// Unknown entry types are allowed and skipped.
		}
	}

	if !haveText {
		return nil, fmt.Errorf("metadata array has no %v entry",
			entryTypeText)
	}

	return &metadata, nil
}
