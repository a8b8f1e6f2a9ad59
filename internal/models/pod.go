package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Status is the delivery outcome recorded on a POD
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// CurrentSchemaVersion is stamped on every item written by this module.
// Version 0 marks records captured before the tag existed; those may still carry
// the legacy single image field.
const CurrentSchemaVersion = 1

// Location is a geographic point in [longitude, latitude] order
type Location [2]float64

func NewLocation(lng, lat float64) *Location {
	return &Location{lng, lat}
}

func (l Location) Lng() float64 { return l[0] }
func (l Location) Lat() float64 { return l[1] }

// LegacyGeo is the {lat, lng} shape used by older capture screens
type LegacyGeo struct {
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`
}

// Payload is the POD data captured on the handset
type Payload struct {
	Status             Status     `json:"status"`
	Observations       string     `json:"observations,omitempty"`
	ReceivedByName     string     `json:"received_by_name,omitempty"`
	ReceivedByDocument string     `json:"received_by_document,omitempty"`
	SignedAt           string     `json:"signed_at"`
	Location           *Location  `json:"location,omitempty"`
	Geo                *LegacyGeo `json:"geo,omitempty"`
	Images             []string   `json:"images,omitempty"` // data URLs
	Image              string     `json:"image,omitempty"`  // legacy single image
	Signature          string     `json:"signature,omitempty"`
}

// Normalized folds the legacy single image into Images. The result never carries
// Image, so applying it twice cannot duplicate the photo.
func (p Payload) Normalized() Payload {
	switch {
	case len(p.Images) > 0:
		p.Images = slices.Clone(p.Images)
	case p.Image != "":
		p.Images = []string{p.Image}
	default:
		p.Images = nil
	}
	p.Image = ""
	return p
}

// ResolveLocation prefers the pair form and falls back to the legacy geo shape
func (p Payload) ResolveLocation() *Location {
	if p.Location != nil {
		loc := *p.Location
		return &loc
	}
	if p.Geo != nil && p.Geo.Lat != nil && p.Geo.Lng != nil {
		return NewLocation(*p.Geo.Lng, *p.Geo.Lat)
	}
	return nil
}

// PhotoSources lists the image data URLs to attach, in order
func (p Payload) PhotoSources() []string {
	if len(p.Images) > 0 {
		return p.Images
	}
	if p.Image != "" {
		return []string{p.Image}
	}
	return nil
}

// QueueItem is one POD submission waiting to be delivered.
// CreatedAt is persisted as unix milliseconds.
type QueueItem struct {
	ID            string    `json:"id"`
	DeliveryID    string    `json:"deliveryId"`
	CreatedAt     time.Time `json:"-"`
	SchemaVersion int       `json:"schemaVersion"`
	Payload       Payload   `json:"payload"`
}

type queueItemAlias QueueItem

type queueItemJSON struct {
	queueItemAlias
	CreatedAt json.RawMessage `json:"createdAt,omitempty"`
}

func (q QueueItem) MarshalJSON() ([]byte, error) {
	out := queueItemJSON{queueItemAlias: queueItemAlias(q)}
	if !q.CreatedAt.IsZero() {
		out.CreatedAt = json.RawMessage(fmt.Sprintf("%d", q.CreatedAt.UnixMilli()))
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts unix milliseconds or an RFC 3339 string for createdAt
func (q *QueueItem) UnmarshalJSON(b []byte) error {
	var in queueItemJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*q = QueueItem(in.queueItemAlias)
	q.CreatedAt = time.Time{}

	if len(in.CreatedAt) == 0 || string(in.CreatedAt) == "null" {
		return nil
	}
	var ms int64
	if err := json.Unmarshal(in.CreatedAt, &ms); err == nil {
		q.CreatedAt = time.UnixMilli(ms).UTC()
		return nil
	}
	var ts time.Time
	if err := json.Unmarshal(in.CreatedAt, &ts); err != nil {
		return fmt.Errorf("decode createdAt: %w", err)
	}
	q.CreatedAt = ts.UTC()
	return nil
}
