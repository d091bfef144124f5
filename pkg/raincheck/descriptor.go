package raincheck

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nimburion/raincheck/pkg/transport"
)

// Params are the caller-supplied settings used when a failed request has to be queued.
type Params struct {
	// ID correlates the request across sends and drains. A UUID is generated when empty.
	ID string `json:"id"`
	// QueueKey is the list the descriptor is pushed to.
	QueueKey string `json:"queue_key"`
	// RetryInMsecs is how long a queued request waits before a drain may resend it.
	RetryInMsecs int64 `json:"retry_in_msecs"`
	// ExpiresInMsecs is how long a queued request stays eligible for resending.
	ExpiresInMsecs int64 `json:"expires_in_msecs"`
	// SleepUntilSuccessful asks for blocking retries instead of queueing. Not implemented:
	// a failed send with this flag returns ErrUnsupported.
	SleepUntilSuccessful bool `json:"sleep_until_successful,omitempty"`
}

// RetryIn returns RetryInMsecs as a duration.
func (p Params) RetryIn() time.Duration {
	return time.Duration(p.RetryInMsecs) * time.Millisecond
}

// ExpiresIn returns ExpiresInMsecs as a duration.
func (p Params) ExpiresIn() time.Duration {
	return time.Duration(p.ExpiresInMsecs) * time.Millisecond
}

// Validate checks the params can produce a usable descriptor.
func (p Params) Validate() error {
	if strings.TrimSpace(p.QueueKey) == "" {
		return raincheckError(ErrValidation, "queue key is required")
	}
	if p.RetryInMsecs < 0 {
		return raincheckError(ErrValidation, "retry_in_msecs must be >= 0")
	}
	if p.ExpiresInMsecs < 0 {
		return raincheckError(ErrValidation, "expires_in_msecs must be >= 0")
	}
	return nil
}

// validateText rejects strings the JSON encoding would rewrite. Invalid UTF-8 is replaced
// with U+FFFD on encode, so a queued request would not be resent byte for byte.
func validateText(p Params, req transport.Request) error {
	fields := []struct{ name, value string }{
		{"id", p.ID},
		{"queue key", p.QueueKey},
		{"method", req.Method},
		{"path", req.Path},
	}
	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return raincheckError(ErrValidation, f.name+" is not valid UTF-8")
		}
	}
	for name, m := range map[string]map[string]string{"query": req.Query, "header": req.Headers} {
		for k, v := range m {
			if !utf8.ValidString(k) || !utf8.ValidString(v) {
				return raincheckError(ErrValidation, name+" "+strconv.Quote(k)+" is not valid UTF-8")
			}
		}
	}
	return nil
}

// Descriptor is one deferred retry as stored in a queue. Descriptors are never modified
// once written; a requeue pushes back the exact encoded value that was popped.
type Descriptor struct {
	Params  Params            `json:"params"`
	Request transport.Request `json:"request"`
	// RetryConfig is forwarded untouched to the transport on every resend.
	RetryConfig *transport.RetryConfig `json:"retry_config,omitempty"`
	// ExpiresAt and RetryAfterAt are Unix milliseconds.
	ExpiresAt    int64 `json:"expires_at"`
	RetryAfterAt int64 `json:"retry_after_at"`
}

// Expired reports whether the descriptor is past its expiry and must not be resent.
func (d *Descriptor) Expired(now time.Time) bool {
	return d.ExpiresAt < now.UnixMilli()
}

// Due reports whether the retry-after time has been reached.
func (d *Descriptor) Due(now time.Time) bool {
	return d.RetryAfterAt <= now.UnixMilli()
}

// Encode returns the descriptor's text encoding.
func (d *Descriptor) Encode() (string, error) {
	if err := validateText(d.Params, d.Request); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return "", raincheckError(ErrValidation, "encode descriptor: "+err.Error())
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DecodeDescriptor parses a value produced by Encode.
func DecodeDescriptor(encoded string) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(encoded), &d); err != nil {
		return nil, raincheckError(ErrMalformedDescriptor, err.Error())
	}
	if err := d.Params.Validate(); err != nil {
		return nil, raincheckError(ErrMalformedDescriptor, err.Error())
	}
	return &d, nil
}
