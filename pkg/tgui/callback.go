package tgui

import "strings"

// Data formats inline callback data as "namespace:action:payload".
// Payload is kept as-is (no escaping). Anything bigger than a short ID
// should go through a TokenStore token instead.
func Data(ns, action, payload string) string {
	ns = strings.TrimSpace(ns)
	action = strings.TrimSpace(action)
	if payload == "" {
		return ns + ":" + action
	}
	return ns + ":" + action + ":" + payload
}
