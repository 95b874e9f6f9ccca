package cache

import "fmt"

const DefaultPrefix = "fleettrack:"

// KeyTrackerState is where an instance keeps its last-known tracker state
func KeyTrackerState(instance string) string {
	if instance == "" {
		instance = "default"
	}
	return fmt.Sprintf("tracker:state:%s", instance)
}
