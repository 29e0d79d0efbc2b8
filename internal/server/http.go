package server

import (
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
)

// maxBodySize bounds request bodies read by the HTTP adapter.
const maxBodySize = 10 * 1024 * 1024

// dispatch adapts an HTTP request to the kernel and writes the terminal
// response unless the client went away.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	received := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeResponse(w, kephasgate.Message(http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge)))
			return
		}
		s.logger.Debug("Failed to read request body", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	resp := s.kernel.Dispatch(r.Context(), &kephasgate.Request{
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Header:     r.Header,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		Received:   received,
	})
	if resp.Discarded {
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *kephasgate.Response) {
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = v
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

type health struct {
	Status      string `json:"status"`
	ServerID    string `json:"server_id"`
	Connections int    `json:"connections"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, kephasgate.JSON(http.StatusOK, health{
		Status:      "ok",
		ServerID:    s.dispatcher.ServerID(),
		Connections: s.registry.Len(),
	}))
}
