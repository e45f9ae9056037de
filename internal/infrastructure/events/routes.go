package events

import (
	"fmt"

	"github.com/tidwall/gjson"
)

type Target string

const (
	TargetUser      Target = "user"
	TargetRoom      Target = "room"
	TargetBroadcast Target = "broadcast"
)

// Route sends broker events whose routing key matches Pattern to realtime
// recipients. Field is a gjson path into the payload naming the user or room
// (a string or an array of strings). EventType defaults to the routing key.
type Route struct {
	Pattern   string
	Target    Target
	Field     string
	EventType string
}

func (r Route) validate() error {
	if r.Pattern == "" {
		return fmt.Errorf("route: pattern is required")
	}

	switch r.Target {
	case TargetBroadcast:
		return nil
	case TargetUser, TargetRoom:
		if r.Field == "" {
			return fmt.Errorf("route %s: %s target needs a field", r.Pattern, r.Target)
		}
		return nil
	default:
		return fmt.Errorf("route %s: unknown target %q", r.Pattern, r.Target)
	}
}

func (r Route) eventType(routingKey string) string {
	if r.EventType != "" {
		return r.EventType
	}
	return routingKey
}

// extractIDs reads the recipient ids named by path.
func extractIDs(payload []byte, path string) []string {
	res := gjson.GetBytes(payload, path)
	if !res.Exists() {
		return nil
	}

	if res.IsArray() {
		var ids []string
		for _, item := range res.Array() {
			if id := item.String(); id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}

	if id := res.String(); id != "" {
		return []string{id}
	}
	return nil
}
