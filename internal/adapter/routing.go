package adapter

import (
	"encoding/json"
	"strconv"
)

// routingKeys are the payload fields that identify the reporting device,
// in order of preference.
var routingKeys = []string{"device_id", "devId", "DeviceID", "mac"}

// RoutingKey returns the device identity carried in a status payload, or ""
// when there is none. It lets several devices share one status channel.
func RoutingKey(raw []byte) string {
	obj := decodeObject(raw)
	if obj == nil {
		return ""
	}
	for _, key := range routingKeys {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		case uint64:
			return strconv.FormatUint(v, 10)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}
