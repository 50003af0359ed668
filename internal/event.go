package internal

import (
	"encoding/json"
	"strconv"
)

// Event is the input to rule evaluation.
type Event struct {
	// Name is the webhook event name, exposed to rules as "event".
	Name       string
	RawPayload []byte
	Data       map[string]interface{}
}

// parameters returns the flattened payload plus the event name.
func (e Event) parameters() (map[string]interface{}, error) {
	data := e.Data
	if data == nil && len(e.RawPayload) > 0 {
		if err := json.Unmarshal(e.RawPayload, &data); err != nil {
			return nil, err
		}
	}
	params := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenValue(params, key, value)
	}
	if _, ok := params["event"]; !ok {
		params["event"] = e.Name
	}
	return params, nil
}

// flattenValue writes value under dotted and indexed paths. Arrays stay
// reachable as a whole under both "path" and "path[]" so rules can pass them
// to contains().
func flattenValue(params map[string]interface{}, path string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			flattenValue(params, path+"."+key, child)
		}
	case []interface{}:
		params[path] = v
		params[path+"[]"] = v
		for i, child := range v {
			flattenValue(params, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		params[path] = v
	}
}
