package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET("/bridge", s.bridgeWS)
	router.GET("/healthz", s.healthz)
	return router
}

func (s *Server) serveWS() error {
	s.logger.Infof("waiting for WebSocket connections on %s", s.wsListener.Addr())
	err := s.httpServer.Serve(s.wsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// bridgeWS bridges a WebSocket connection the same way as a raw TCP connection.
// Every binary message from the client is written to the process, and process output is sent as binary messages.
func (s *Server) bridgeWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	log := s.logger.Named("ws")
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	log.Debugw("accepted WebSocket conn", "Remote", r.RemoteAddr)

	conn := websocket.NetConn(s.ctx, wsConn, websocket.MessageBinary)
	s.logResult(s.bridge.Serve(s.ctx, conn))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := struct {
		Status string
		Mode   string
	}{
		Status: "ok",
		Mode:   string(s.cfg.Mode),
	}
	if s.isStopped() {
		response.Status = "stopping"
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
