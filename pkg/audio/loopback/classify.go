// Package loopback decides which audio capture devices represent a
// system-audio monitor (loopback) source and orders them by how likely they
// are to be the monitor of the current playback device.
//
// The classification is a documented string heuristic, not an exhaustive
// rule: exotic device names can produce false positives or negatives.
package loopback

import (
	"context"
	"fmt"
	"strings"
)

// DefaultBrandPrefix is stripped from device names before playback-name
// matching. OpenAL-based device lists prefix every entry with it.
const DefaultBrandPrefix = "OpenAL Soft on "

// Device is a single entry of a platform capture device enumeration.
type Device struct {
	// ID is the platform identifier used to open the device.
	ID string `json:"id"`

	// Name is the human-readable device description.
	Name string `json:"name"`
}

// Inventory is a snapshot of the platform's audio devices as needed for
// classification.
type Inventory struct {
	// Capture lists every capture device in enumeration order.
	Capture []Device

	// DefaultCaptureID is the ID of the current default capture device, or
	// empty when the platform has none.
	DefaultCaptureID string

	// DefaultPlaybackName is the name of the current default playback
	// device, or empty when unknown.
	DefaultPlaybackName string
}

// Enumerator produces an [Inventory] of the platform's devices.
// Capture backends implement it.
type Enumerator interface {
	Inventory(ctx context.Context) (Inventory, error)
}

// Option configures [Classify].
type Option func(*options)

type options struct {
	brandPrefix string
}

// WithBrandPrefix overrides the platform branding prefix stripped from
// device names before playback-name matching. An empty prefix disables
// stripping.
func WithBrandPrefix(prefix string) Option {
	return func(o *options) { o.brandPrefix = prefix }
}

// loopbackMarkers match against both name and ID.
var loopbackMarkers = []string{"monitor", "loopback"}

// nameOnlyMarkers match against the name only; they are vendor labels for
// the same feature on Windows drivers.
var nameOnlyMarkers = []string{"stereo mix", "what u hear"}

// LooksLikeLoopback reports whether a device with the given name and id is
// a system-audio monitor source. Matching is case-insensitive.
func LooksLikeLoopback(name, id string) bool {
	lowerName := strings.ToLower(name)
	lowerID := strings.ToLower(id)
	for _, m := range loopbackMarkers {
		if strings.Contains(lowerName, m) || strings.Contains(lowerID, m) {
			return true
		}
	}
	for _, m := range nameOnlyMarkers {
		if strings.Contains(lowerName, m) {
			return true
		}
	}
	return false
}

// TrimBrandPrefix removes prefix from the start of value if present.
func TrimBrandPrefix(value, prefix string) string {
	if prefix == "" {
		return value
	}
	return strings.TrimPrefix(value, prefix)
}

// Classify returns the IDs of loopback-like capture devices in inv, most
// preferred first and without duplicates:
//
//  1. the default capture device, if it is loopback-like;
//  2. loopback-like devices whose name contains the default playback
//     device's name;
//  3. every other loopback-like device in enumeration order.
//
// When no enumerated device is loopback-like the result is empty, even if
// the default capture ID alone would match. Classify has no side effects.
func Classify(inv Inventory, opts ...Option) []string {
	o := options{brandPrefix: DefaultBrandPrefix}
	for _, opt := range opts {
		opt(&o)
	}

	var all []Device
	for _, d := range inv.Capture {
		if LooksLikeLoopback(d.Name, d.ID) {
			all = append(all, d)
		}
	}
	if len(all) == 0 {
		return nil
	}

	result := make([]string, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	pushUnique := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}

	if id := inv.DefaultCaptureID; id != "" {
		name := id
		for _, d := range inv.Capture {
			if d.ID == id {
				name = d.Name
				break
			}
		}
		if LooksLikeLoopback(name, id) {
			pushUnique(id)
		}
	}

	playback := strings.ToLower(TrimBrandPrefix(inv.DefaultPlaybackName, o.brandPrefix))
	if playback != "" {
		for _, d := range all {
			name := strings.ToLower(TrimBrandPrefix(d.Name, o.brandPrefix))
			if strings.Contains(name, playback) {
				pushUnique(d.ID)
			}
		}
	}

	for _, d := range all {
		pushUnique(d.ID)
	}
	return result
}

// Supported reports whether inv contains at least one loopback-like device.
func Supported(inv Inventory, opts ...Option) bool {
	return len(Classify(inv, opts...)) > 0
}

// Probe enumerates devices through e and classifies them.
func Probe(ctx context.Context, e Enumerator, opts ...Option) ([]string, error) {
	inv, err := e.Inventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("loopback: enumerate devices: %w", err)
	}
	return Classify(inv, opts...), nil
}
