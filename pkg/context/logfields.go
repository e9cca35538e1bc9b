package context

import "github.com/Gobusters/ectologger"

// LogFields copies the request and import values bound to a log message's
// context into its fields. It is the before hook of the zap adapter.
func LogFields(msg ectologger.EctoLogMessage) ectologger.EctoLogMessage {
	if msg.Ctx == nil {
		return msg
	}

	fields := make(map[string]any, len(msg.Fields)+3)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	if id := GetRequestID(msg.Ctx); id != "" {
		fields["request_id"] = id
	}
	if key := GetDatasetKey(msg.Ctx); key != 0 {
		if _, ok := fields["dataset_key"]; !ok {
			fields["dataset_key"] = key
		}
	}
	if attempt := GetAttempt(msg.Ctx); attempt != 0 {
		if _, ok := fields["attempt"]; !ok {
			fields["attempt"] = attempt
		}
	}
	msg.Fields = fields
	return msg
}
