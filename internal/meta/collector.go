// Package meta snapshots the device and network context of a submission attempt.
//
// Collect is called fresh for every attempt, so a replayed POD describes the
// retry conditions rather than the moment it was captured offline.
package meta

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/Guizzs26/canhoto-sync/internal/models"
)

var mobilePattern = regexp.MustCompile(`(?i)Mobi|Android|iPhone|iPad|iPod`)

// Environment carries values describing the capturing handset when they are known.
// Empty fields fall back to host values or stay absent.
type Environment struct {
	UserAgent string
	Vendor    string
	Platform  string
	Languages []string
	Screen    *models.ScreenInfo
}

type Collector struct {
	appVersion string
	env        Environment
	online     func() bool
	now        func() time.Time
	memory     func() (uint64, bool)
	getenv     func(string) string
}

type Option func(*Collector)

func WithEnvironment(env Environment) Option {
	return func(c *Collector) { c.env = env }
}

// WithOnlineSignal reports the connectivity state at collection time
func WithOnlineSignal(fn func() bool) Option {
	return func(c *Collector) { c.online = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func NewCollector(appVersion string, opts ...Option) *Collector {
	c := &Collector{
		appVersion: appVersion,
		now:        time.Now,
		memory:     totalMemory,
		getenv:     os.Getenv,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) Collect(source string) models.ClientMeta {
	if source == "" {
		source = models.SourceOnline
	}

	ua := c.env.UserAgent
	if ua == "" {
		ua = c.defaultUserAgent()
	}

	languages := c.env.Languages
	if len(languages) == 0 {
		languages = c.hostLanguages()
	}

	platform := c.env.Platform
	if platform == "" {
		platform = runtime.GOOS + "/" + runtime.GOARCH
	}

	m := models.ClientMeta{
		Source:     source,
		Timestamp:  c.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Timezone:   c.timezone(),
		Languages:  languages,
		UserAgent:  ua,
		Platform:   platform,
		Vendor:     c.env.Vendor,
		Screen:     c.env.Screen,
		IsMobile:   mobilePattern.MatchString(ua),
		AppVersion: c.appVersion,
	}
	if len(languages) > 0 {
		m.Language = languages[0]
	}

	cpus := runtime.NumCPU()
	m.HardwareConcurrency = &cpus

	if total, ok := c.memory(); ok {
		gib := DeviceMemoryGiB(total)
		m.DeviceMemory = &gib
	}

	if c.online != nil {
		online := c.online()
		m.Online = &online
	}

	return m
}

func (c *Collector) defaultUserAgent() string {
	return fmt.Sprintf("canhoto-sync/%s (%s; %s) %s", c.appVersion, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func (c *Collector) timezone() string {
	if tz := strings.TrimPrefix(c.getenv("TZ"), ":"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "Local" && name != "" {
		return name
	}
	if b, err := os.ReadFile("/etc/timezone"); err == nil {
		if tz := strings.TrimSpace(string(b)); tz != "" {
			return tz
		}
	}
	name, _ := c.now().Zone()
	return name
}

// hostLanguages reads the POSIX locale variables in priority order and returns
// BCP 47 tags without duplicates
func (c *Collector) hostLanguages() []string {
	var raw []string
	raw = append(raw, strings.Split(c.getenv("LANGUAGE"), ":")...)
	raw = append(raw, c.getenv("LC_ALL"), c.getenv("LC_MESSAGES"), c.getenv("LANG"))

	seen := make(map[string]bool)
	var out []string
	for _, v := range raw {
		tag, ok := parseLocale(v)
		if !ok || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func parseLocale(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if i := strings.IndexAny(v, ".@"); i >= 0 {
		v = v[:i]
	}
	if v == "" || v == "C" || v == "POSIX" {
		return "", false
	}
	tag, err := language.Parse(strings.ReplaceAll(v, "_", "-"))
	if err != nil {
		return "", false
	}
	return tag.String(), true
}

// DeviceMemoryGiB rounds total bytes down to a power of two between 0.25 and 8,
// the same coarse buckets browsers expose
func DeviceMemoryGiB(total uint64) float64 {
	gib := float64(total) / (1 << 30)
	if gib <= 0.25 {
		return 0.25
	}
	v := math.Pow(2, math.Floor(math.Log2(gib)))
	return math.Min(v, 8)
}
