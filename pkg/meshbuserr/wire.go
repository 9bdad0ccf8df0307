package meshbuserr

import "encoding/json"

// wirePayload is the JSON shape an *Error takes inside an Error
// envelope's payload, so the caller side can rebuild the same Kind and
// context the handler reported.
type wirePayload struct {
	Kind    string `json:"kind"`
	Context string `json:"context,omitempty"`
}

func kindFromString(s string) Kind {
	for k := KindMethodNotFound; k <= KindSubscriptionRejected; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindServiceError
}

// EncodePayload serializes err for transport inside an Error envelope.
// Non-meshbus errors are carried as a ServiceError with the error text as
// context.
func EncodePayload(err error) []byte {
	kind := KindServiceError
	context := ""
	if err != nil {
		context = err.Error()
	}
	if me, ok := As(err); ok {
		kind = me.Kind
		context = me.Context
		if context == "" && me.Cause != nil {
			context = me.Cause.Error()
		}
	}
	data, jerr := json.Marshal(wirePayload{Kind: kind.String(), Context: context})
	if jerr != nil {
		return []byte(`{"kind":"service_error"}`)
	}
	return data
}

// DecodePayload rebuilds the *Error an Error envelope carries. Payloads
// that are not the expected JSON shape (e.g. a bare reason string) become
// a ServiceError with the raw bytes as context.
func DecodePayload(payload []byte) *Error {
	var wp wirePayload
	if err := json.Unmarshal(payload, &wp); err != nil || wp.Kind == "" {
		return New(KindServiceError, string(payload))
	}
	return New(kindFromString(wp.Kind), wp.Context)
}
