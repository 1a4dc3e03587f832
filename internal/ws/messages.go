package ws

import (
	"time"

	"github.com/wimz/cloud-relay/internal/relay"
)

func frameString(f relay.Frame, key string) string {
	v, _ := f[key].(string)
	return v
}

// frameType returns the primary discriminator. Legacy frames that carry only
// an "event" or "command" field have an empty type and are classified by the
// dispatch loops.
func frameType(f relay.Frame) string { return frameString(f, "type") }

// stampDeviceID injects the originating device id into a robot frame when
// absent, so apps always know which robot is talking.
func stampDeviceID(f relay.Frame, deviceID string) {
	if frameString(f, "device_id") == "" {
		f["device_id"] = deviceID
	}
}

// stampTimestamp stamps an ISO-8601 UTC timestamp on relayed events that lack
// one. Existing fields are never overwritten.
func stampTimestamp(f relay.Frame, now time.Time) {
	if _, ok := f["timestamp"]; !ok {
		f["timestamp"] = now.UTC().Format(time.RFC3339)
	}
}

// frameTimestampMS extracts a client-supplied millisecond epoch timestamp
// used for command staleness. ok is false when absent or not numeric.
func frameTimestampMS(f relay.Frame) (int64, bool) {
	switch v := f["timestamp"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// uploadCommands bypass the staleness check and the app-frame soft cap:
// large payloads legitimately take longer than the command threshold to
// arrive and exceed the size of ordinary control frames. The transport-level
// read limit still applies.
var uploadCommands = map[string]struct{}{
	"upload_song":  {},
	"audio_upload": {},
	"upload_audio": {},
	"upload_file":  {},
}

func isUploadCommand(cmd string) bool {
	_, ok := uploadCommands[cmd]
	return ok
}
