package access

// JSON bodies of the Token Store endpoints. The store service encodes them and
// StoreClient decodes them.

type ValidateResponse struct {
	Valid     bool   `json:"valid"`
	Type      string `json:"type,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
}

type ConsumeRequest struct {
	Token     string `json:"token"`
	RequestID string `json:"request_id,omitempty"`
}

type ConsumeResponse struct {
	Success   bool   `json:"success"`
	Remaining *int64 `json:"remaining,omitempty"`
	Replayed  bool   `json:"replayed,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
}
