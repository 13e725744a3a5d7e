package backend

import "strings"

// ResolveDevice returns the configured device label, or the build's
// accelerator when the setting is empty or "auto".
func ResolveDevice(configured string) string {
	if d := strings.ToLower(strings.TrimSpace(configured)); d != "" && d != "auto" {
		return d
	}
	return buildDevice
}
