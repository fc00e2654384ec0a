package cloud

import (
	"encoding/json"
	"fmt"
)

// withClientToken injects a clientToken field into a serialized
// shadow update so responses and MQTT echoes can be correlated with
// the call that caused them. An existing token is preserved.
func withClientToken(payload []byte, token string) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("cloud: parsing update payload: %w", err)
	}

	if _, ok := doc["clientToken"]; ok {
		return payload, nil
	}

	tok, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("cloud: encoding client token: %w", err)
	}

	doc["clientToken"] = tok

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("cloud: serializing update payload: %w", err)
	}

	return out, nil
}
