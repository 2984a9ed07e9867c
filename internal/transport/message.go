// Package transport implements the simulated request/response envelope shared
// by the client and the in-process server. A Message follows a small ready
// state machine: the client opens, configures and sends it; the Network hands a
// server-side view in StateReceived to a handler; the response is then copied
// back and the single load callback fires.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrInvalidState reports a fatal client-side misuse of the state machine.
	ErrInvalidState = errors.New("transport: invalid state")

	errMissingNetwork = errors.New("transport: network is required")
	noOpLogger        = zap.NewNop()
)

// Network delivers a server-side view of a message and reports completion.
type Network interface {
	Send(view *Message, onComplete func(*Message))
}

// Message is a reusable request/response envelope.
type Message struct {
	mu      sync.Mutex
	network Network
	logger  *zap.Logger

	state           ReadyState
	method          string
	url             string
	requestHeaders  http.Header
	body            string
	status          int
	statusText      string
	responseHeaders http.Header
	responseText    string

	onLoad func(*Message)
}

// New returns a Message in StateUnset bound to network.
func New(network Network, logger *zap.Logger) *Message {
	if logger == nil {
		logger = noOpLogger
	}
	return &Message{
		network:         network,
		logger:          logger,
		requestHeaders:  http.Header{},
		responseHeaders: http.Header{},
	}
}

// NewReceived builds a server-side view in StateReceived. Networks and tests
// use it to hand a request directly to a handler.
func NewReceived(method, url string, headers http.Header, body string, logger *zap.Logger) *Message {
	if logger == nil {
		logger = noOpLogger
	}
	if headers == nil {
		headers = http.Header{}
	}
	return &Message{
		logger:          logger,
		state:           StateReceived,
		method:          method,
		url:             url,
		requestHeaders:  headers.Clone(),
		body:            body,
		responseHeaders: http.Header{},
	}
}

// Open resets the message for a new request. It is allowed only from
// StateUnset or StateDone.
func (m *Message) Open(method, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnset && m.state != StateDone {
		return fmt.Errorf("%w: open called in %s", ErrInvalidState, m.state)
	}
	m.method = method
	m.url = url
	m.body = ""
	m.requestHeaders = http.Header{}
	m.status = 0
	m.statusText = ""
	m.responseHeaders = http.Header{}
	m.responseText = ""
	m.state = StateOpened
	return nil
}

// SetRequestHeader records a request header. Outside StateOpened the call is
// logged and ignored.
func (m *Message) SetRequestHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpened {
		m.softFailure("set_request_header", zap.String("header", key))
		return
	}
	m.requestHeaders.Set(key, value)
}

// OnLoad registers the completion callback, replacing any previous one.
func (m *Message) OnLoad(callback func(*Message)) {
	m.mu.Lock()
	m.onLoad = callback
	m.mu.Unlock()
}

// Send hands the request to the network. The body is ignored for GET and HEAD.
func (m *Message) Send(body string) error {
	m.mu.Lock()
	if m.state != StateOpened {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: send called in %s", ErrInvalidState, state)
	}
	if m.network == nil {
		m.mu.Unlock()
		return errMissingNetwork
	}
	if m.method != http.MethodGet && m.method != http.MethodHead {
		m.body = body
	}
	m.state = StateAwaitingResponse
	view := m.responseView()
	network := m.network
	m.mu.Unlock()

	var once sync.Once
	network.Send(view, func(response *Message) {
		once.Do(func() {
			m.complete(response)
		})
	})
	return nil
}

func (m *Message) complete(response *Message) {
	response.mu.Lock()
	status := response.status
	statusText := response.statusText
	headers := response.responseHeaders.Clone()
	text := response.responseText
	response.mu.Unlock()

	m.mu.Lock()
	m.status = status
	m.statusText = statusText
	m.responseHeaders = headers
	m.responseText = text
	m.state = StateDone
	callback := m.onLoad
	m.mu.Unlock()

	if callback != nil {
		callback(m)
	}
}

// responseView copies the request into a fresh server-side message. Callers
// hold m.mu.
func (m *Message) responseView() *Message {
	return &Message{
		logger:          m.logger,
		state:           StateReceived,
		method:          m.method,
		url:             m.url,
		requestHeaders:  m.requestHeaders.Clone(),
		body:            m.body,
		responseHeaders: http.Header{},
	}
}

// ReadyState returns the current lifecycle state.
func (m *Message) ReadyState() ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Message) Method() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.method
}

func (m *Message) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *Message) Body() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body
}

// RequestHeaders returns a copy of the request headers.
func (m *Message) RequestHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestHeaders.Clone()
}

func (m *Message) Status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Message) StatusText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusText
}

func (m *Message) ResponseText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseText
}

// ResponseHeaders returns a copy of the response headers.
func (m *Message) ResponseHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseHeaders.Clone()
}

// GetResponseHeader returns a response header once the message is done.
func (m *Message) GetResponseHeader(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDone {
		m.softFailure("get_response_header", zap.String("header", key))
		return "", false
	}
	values := m.responseHeaders.Values(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// GetRequestHeader returns a request header. Only the server-side view answers.
func (m *Message) GetRequestHeader(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReceived {
		m.softFailure("get_request_header", zap.String("header", key))
		return "", false
	}
	values := m.requestHeaders.Values(key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// SetStatus sets the response status with its standard text.
func (m *Message) SetStatus(code int) {
	m.SetStatusWithText(code, StatusText(code))
}

// SetStatusWithText sets the response status and an explicit text.
func (m *Message) SetStatusWithText(code int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReceived {
		m.softFailure("set_status", zap.Int("status", code))
		return
	}
	m.status = code
	m.statusText = text
}

// SetResponseHeader records a response header on the server-side view.
func (m *Message) SetResponseHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReceived {
		m.softFailure("set_response_header", zap.String("header", key))
		return
	}
	m.responseHeaders.Set(key, value)
}

// SetResponseText replaces the response body on the server-side view.
func (m *Message) SetResponseText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReceived {
		m.softFailure("set_response_text")
		return
	}
	m.responseText = text
}

// softFailure logs a tolerated misuse. Callers hold m.mu.
func (m *Message) softFailure(operation string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.Stringer("ready_state", m.state),
		zap.String("url", m.url),
	}
	attrs = append(attrs, fields...)
	m.logger.Warn("transport message used in wrong state", attrs...)
}
