package port

import (
	"encoding/json"
	"net/http"

	"github.com/aelexs/otp-gateway/internal/errmap"
)

// maxBodySize caps request bodies; both endpoints take a few short fields.
const maxBodySize = 4 << 10

// otpResponse is the envelope for every OTP endpoint response, success or
// failure. Result is the stable machine code; Message is for end users.
type otpResponse struct {
	Success           bool   `json:"success"`
	Result            string `json:"result"`
	Message           string `json:"message"`
	Reason            string `json:"reason,omitempty"`
	Code              string `json:"code,omitempty"`
	ProviderReference string `json:"provider_reference,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, otpResponse{Result: "INVALID_ARGUMENT", Message: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	httpErr := errmap.ToHTTPError(err)
	writeJSON(w, httpErr.StatusCode, otpResponse{Result: httpErr.Code, Message: httpErr.Message})
}
