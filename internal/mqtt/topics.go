// Package mqtt connects the sync engine to the cloud shadow service's
// MQTT surface: topic construction and parsing, a thin client
// abstraction over the paho library, and a subscription manager that
// keeps the broker subscriptions aligned with the configured shadow
// set and feeds accepted cloud events into the sync queue.
package mqtt

import (
	"fmt"
	"regexp"

	"github.com/edgefleet/shadowd/internal/shadow"
)

// Shadow topic operation suffixes.
const (
	OpUpdateAccepted = "update/accepted"
	OpUpdateRejected = "update/rejected"
	OpUpdateDelta    = "update/delta"
	OpDeleteAccepted = "delete/accepted"
)

// shadowTopicRe captures the thing name, optional shadow name, and
// operation suffix from a shadow service topic. The name group is
// lazy and the operation anchored on update/delete so a named
// shadow's operation segment is never swallowed into the name.
var shadowTopicRe = regexp.MustCompile(`^\$aws/things/(.+?)/shadow(?:/name/(.+?))?/((?:update|delete)(?:/.+)?)$`)

// Topic builds the shadow service topic for a key and operation
// suffix.
func Topic(key shadow.Key, op string) string {
	if key.IsClassic() {
		return fmt.Sprintf("$aws/things/%s/shadow/%s", key.ThingName, op)
	}

	return fmt.Sprintf("$aws/things/%s/shadow/name/%s/%s", key.ThingName, key.ShadowName, op)
}

// ParseTopic extracts the shadow key and operation suffix from a
// shadow service topic. Returns ok false for topics outside the
// shadow namespace.
func ParseTopic(topic string) (shadow.Key, string, bool) {
	m := shadowTopicRe.FindStringSubmatch(topic)
	if m == nil {
		return shadow.Key{}, "", false
	}

	return shadow.NewKey(m[1], m[2]), m[3], true
}
