package auth

import "encoding/json"

// InstallationIDFromPayload extracts the GitHub App installation id. ok is
// false when the payload carries none.
func InstallationIDFromPayload(payload []byte) (id int64, ok bool, err error) {
	var raw struct {
		Installation *struct {
			ID int64 `json:"id"`
		} `json:"installation"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return 0, false, err
	}
	if raw.Installation == nil || raw.Installation.ID == 0 {
		return 0, false, nil
	}
	return raw.Installation.ID, true, nil
}
