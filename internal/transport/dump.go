package transport

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const protocolVersion = "HTTP/1.1"

// DumpRequest renders the request as HTTP-like text for inspection.
func (m *Message) DumpRequest() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s %s %s\r\n", m.method, m.url, protocolVersion)
	writeHeaders(&builder, m.requestHeaders)
	builder.WriteString("\r\n")
	builder.WriteString(m.body)
	return builder.String()
}

// DumpResponse renders the response as HTTP-like text for inspection.
func (m *Message) DumpResponse() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s %d %s\r\n", protocolVersion, m.status, m.statusText)
	writeHeaders(&builder, m.responseHeaders)
	builder.WriteString("\r\n")
	builder.WriteString(m.responseText)
	return builder.String()
}

// RequestSize is the length of the dumped request.
func (m *Message) RequestSize() int {
	return len(m.DumpRequest())
}

// ResponseSize is the length of the dumped response.
func (m *Message) ResponseSize() int {
	return len(m.DumpResponse())
}

func writeHeaders(builder *strings.Builder, headers http.Header) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		for _, value := range headers[key] {
			fmt.Fprintf(builder, "%s: %s\r\n", key, value)
		}
	}
}
