package server

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/fajax/backend/internal/network"
	"github.com/MarcoPoloResearchLab/fajax/backend/internal/transport"
	"go.uber.org/zap"
)

const messageHost = "http://fajax.local"

var _ network.Handler = (*Router)(nil)

// Handle answers a message in transport.StateReceived. Every message leaves
// with a status: routing failures and panics become 500.
func (r *Router) Handle(message *transport.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("message handler panicked",
				zap.Any("panic", recovered),
				zap.String("url", message.URL()))
			message.SetStatus(http.StatusInternalServerError)
		}
	}()

	request, err := newRequest(message)
	if err != nil {
		r.logger.Warn("rejected unparsable message url", zap.String("url", message.URL()), zap.Error(err))
		message.SetStatus(http.StatusBadRequest)
		return
	}

	writer := newMessageWriter()
	r.ServeHTTP(writer, request)
	writer.flush(message)

	r.logger.Debug("message handled",
		zap.String("method", message.Method()),
		zap.String("url", message.URL()),
		zap.Int("status", writer.status))
}

func newRequest(message *transport.Message) (*http.Request, error) {
	target := message.URL()
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	request, err := http.NewRequest(message.Method(), messageHost+target, strings.NewReader(message.Body()))
	if err != nil {
		return nil, err
	}
	for key, values := range message.RequestHeaders() {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	return request, nil
}

// messageWriter buffers a gin response until it can be copied onto a message.
type messageWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newMessageWriter() *messageWriter {
	return &messageWriter{header: http.Header{}}
}

func (w *messageWriter) Header() http.Header {
	return w.header
}

func (w *messageWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(data)
}

func (w *messageWriter) WriteHeader(status int) {
	if w.status != 0 {
		return
	}
	w.status = status
}

func (w *messageWriter) flush(message *transport.Message) {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	message.SetStatus(status)
	for key, values := range w.header {
		message.SetResponseHeader(key, strings.Join(values, ", "))
	}
	message.SetResponseText(w.body.String())
}
