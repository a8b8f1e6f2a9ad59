package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/encoding"
)

// Multipart field names expected by the PODs endpoint
const (
	FieldDelivery           = "delivery"
	FieldReceivedByName     = "received_by_name"
	FieldReceivedByDocument = "received_by_document"
	FieldSignedAt           = "signed_at"
	FieldLocation           = "location"
	FieldStatus             = "status"
	FieldObservations       = "observations"
	FieldMeta               = "meta"
	FieldSignature          = "signature_image"
	FieldPhotos             = "photos"
)

// Attachment is one file part of a submission
type Attachment struct {
	Field    string
	Filename string
	encoding.Blob
}

// Submission is the structured POD request: scalar fields plus an optional
// signature and ordered photos
type Submission struct {
	DeliveryID         string
	ReceivedByName     string
	ReceivedByDocument string
	SignedAt           string
	Location           *models.Location
	Status             models.Status
	Observations       string
	Meta               models.ClientMeta
	Signature          *Attachment
	Photos             []Attachment
}

// Encode renders the submission as multipart/form-data and returns the body and
// its content type
func (s Submission) Encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct {
		name, value string
		optional    bool
	}{
		{FieldDelivery, s.DeliveryID, false},
		{FieldReceivedByName, s.ReceivedByName, true},
		{FieldReceivedByDocument, s.ReceivedByDocument, true},
		{FieldSignedAt, s.SignedAt, false},
	}
	for _, f := range fields {
		if f.optional && f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.name, err)
		}
	}

	if s.Location != nil {
		loc, err := json.Marshal(s.Location)
		if err != nil {
			return nil, "", fmt.Errorf("encode location: %w", err)
		}
		if err := w.WriteField(FieldLocation, string(loc)); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", FieldLocation, err)
		}
	}

	if err := w.WriteField(FieldStatus, string(s.Status)); err != nil {
		return nil, "", fmt.Errorf("write field %s: %w", FieldStatus, err)
	}
	if s.Observations != "" {
		if err := w.WriteField(FieldObservations, s.Observations); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", FieldObservations, err)
		}
	}

	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return nil, "", fmt.Errorf("encode meta: %w", err)
	}
	if err := w.WriteField(FieldMeta, string(meta)); err != nil {
		return nil, "", fmt.Errorf("write field %s: %w", FieldMeta, err)
	}

	if s.Signature != nil {
		if err := writeFile(w, *s.Signature); err != nil {
			return nil, "", err
		}
	}
	for _, p := range s.Photos {
		if err := writeFile(w, p); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFile(w *multipart.Writer, a Attachment) error {
	contentType := a.MIME
	if contentType == "" || contentType == encoding.DefaultMIME {
		contentType = encoding.DetectMIME(a.Data)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(a.Field), quoteEscaper.Replace(a.Filename)))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %s: %w", a.Filename, err)
	}
	if _, err := part.Write(a.Data); err != nil {
		return fmt.Errorf("write part %s: %w", a.Filename, err)
	}
	return nil
}
