package sender

import (
	"strings"

	"github.com/teranos/slotpulse/errors"
)

// Directory resolves a recipient reference to a transport address.
type Directory interface {
	Resolve(recipientRef string) (string, error)
}

// StaticDirectory is a fixed recipient map, typically loaded from config.
// Lookups ignore case since config keys arrive lowercased.
type StaticDirectory map[string]string

// NewStaticDirectory copies entries with lowercased keys.
func NewStaticDirectory(entries map[string]string) StaticDirectory {
	d := make(StaticDirectory, len(entries))
	for ref, addr := range entries {
		d[strings.ToLower(ref)] = addr
	}
	return d
}

// Resolve returns the address of recipientRef. An unknown recipient is a
// permanent failure: retrying will not make it appear.
func (d StaticDirectory) Resolve(recipientRef string) (string, error) {
	addr, ok := d[strings.ToLower(recipientRef)]
	if !ok || addr == "" {
		return "", Permanent(errors.Newf("unknown recipient %s", recipientRef))
	}
	return addr, nil
}
