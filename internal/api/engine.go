package api

import "net/http"

func (s *Server) handleEngineState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.State())
}
