package models

import "time"

// Metadata sources
const (
	SourceOnline       = "online"
	SourceOfflineQueue = "offlineQueue"
)

type ScreenInfo struct {
	Width       *int     `json:"width,omitempty"`
	Height      *int     `json:"height,omitempty"`
	AvailWidth  *int     `json:"availWidth,omitempty"`
	AvailHeight *int     `json:"availHeight,omitempty"`
	PixelRatio  *float64 `json:"pixelRatio,omitempty"`
}

// ClientMeta describes the device and network context of one submission attempt.
// Every field except Source and Timestamp is best effort.
type ClientMeta struct {
	Source              string      `json:"source"`
	Timestamp           string      `json:"timestamp"`
	Timezone            string      `json:"timezone,omitempty"`
	Language            string      `json:"language,omitempty"`
	Languages           []string    `json:"languages,omitempty"`
	UserAgent           string      `json:"userAgent"`
	Platform            string      `json:"platform,omitempty"`
	Vendor              string      `json:"vendor,omitempty"`
	DeviceMemory        *float64    `json:"deviceMemory,omitempty"`
	HardwareConcurrency *int        `json:"hardwareConcurrency,omitempty"`
	Online              *bool       `json:"online,omitempty"`
	Screen              *ScreenInfo `json:"screen,omitempty"`
	IsMobile            bool        `json:"isMobile"`
	AppVersion          string      `json:"appVersion,omitempty"`
}

// Sync channel message types
const (
	MessageRequestSync = "REQUEST_POD_SYNC"
	MessageSync        = "POD_SYNC"
)

// SyncMessage is the JSON body exchanged with the background controller
type SyncMessage struct {
	Type   string    `json:"type"`
	Origin string    `json:"origin,omitempty"`
	SentAt time.Time `json:"sent_at"`
}
