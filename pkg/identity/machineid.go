package identity

import (
	"os"
	"strings"

	"github.com/denisbrodbeck/machineid"
)

const appID = "execution-core"

// MachineID fetches a stable identifier for this host, hashed with the
// application id so the raw machine id is never exposed.
func MachineID() (string, error) {
	return machineid.ProtectedID(appID)
}

// InstancePrefix returns a short prefix for client order ids that stays the
// same across restarts on one host. It falls back to the hostname, then to
// "local", when the machine id is unavailable.
func InstancePrefix() string {
	if id, err := MachineID(); err == nil && len(id) >= 8 {
		return strings.ToLower(id[:8])
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return sanitize(host)
	}
	return "local"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 8 {
			break
		}
	}
	if b.Len() == 0 {
		return "local"
	}
	return b.String()
}
