package telemetry

// Telemessage is a prepared HTTP request payload addressing a single
// namespace: URL query parameters, the raw (possibly gzip-compressed)
// line-protocol body, and optional headers such as Content-Encoding.
// Grounded on original_source/eniris/telemessage/telemessage.py.
type Telemessage struct {
	Parameters map[string]string
	Data       []byte
	Headers    map[string]string
}

// NewTelemessage builds a Telemessage from a namespace and a set of
// already-encoded line-protocol lines, joining them with '\n'.
func NewTelemessage(ns Namespace, lines [][]byte, headers map[string]string) *Telemessage {
	if headers == nil {
		headers = map[string]string{}
	}
	return &Telemessage{
		Parameters: ns.ToParams(),
		Data:       joinLines(lines),
		Headers:    headers,
	}
}

// NrBytes returns the size of the message body in bytes.
func (t *Telemessage) NrBytes() int {
	return len(t.Data)
}

// Clone returns a deep copy of the Telemessage, used by components (such
// as the gzip wrapper) that must not mutate the message they were handed.
func (t *Telemessage) Clone() *Telemessage {
	params := make(map[string]string, len(t.Parameters))
	for k, v := range t.Parameters {
		params[k] = v
	}
	headers := make(map[string]string, len(t.Headers))
	for k, v := range t.Headers {
		headers[k] = v
	}
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return &Telemessage{Parameters: params, Data: data, Headers: headers}
}
