package encoding

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/vincent-petithory/dataurl"
)

// DefaultMIME is used when the data URL header does not declare a media type
const DefaultMIME = "application/octet-stream"

var ErrMalformedDataURL = errors.New("malformed data url: missing comma separator")

var mimePattern = regexp.MustCompile(`:(.*?);`)

// Blob is a decoded binary payload together with its media type
type Blob struct {
	MIME string
	Data []byte
}

func (b Blob) Size() int {
	return len(b.Data)
}

// DecodeDataURL converts a `data:<mime>;base64,<payload>` string into a Blob.
// Only a missing comma or an undecodable payload is an error; an unparseable header
// falls back to DefaultMIME.
func DecodeDataURL(s string) (Blob, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok {
		return Blob{}, ErrMalformedDataURL
	}

	mediaType := DefaultMIME
	if m := mimePattern.FindStringSubmatch(header); m != nil {
		if v := strings.TrimSpace(m[1]); v != "" {
			mediaType = v
		}
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return Blob{}, fmt.Errorf("decode data url payload: %w", err)
	}

	return Blob{MIME: mediaType, Data: data}, nil
}

// EncodeDataURL renders data as a base64 data URL. An empty or invalid media
// type is sniffed from the content instead.
func EncodeDataURL(data []byte, mediaType string) string {
	mt, params, err := mime.ParseMediaType(mediaType)
	if err != nil || !validTypePair(mt) {
		mt, params = DetectMIME(data), nil
	}

	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, k, v)
	}
	return dataurl.New(data, mt, pairs...).String()
}

func validTypePair(mt string) bool {
	typ, sub, ok := strings.Cut(mt, "/")
	return ok && typ != "" && sub != "" && !strings.Contains(sub, "/")
}

// DetectMIME sniffs the media type of data, without parameters
func DetectMIME(data []byte) string {
	detected, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return strings.TrimSpace(detected)
}

// decodeBase64 accepts padded or unpadded input with embedded whitespace, like atob
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
