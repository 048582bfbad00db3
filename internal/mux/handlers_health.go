package mux

import (
	"net/http"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports whether the backends, store, and (when configured)
// vault are all reachable. Any failure yields 503 with the collected
// reasons.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	var errs []string

	if rd := s.claude.EnsureInstalled(r.Context()); !rd.Ready {
		errs = append(errs, "claude: "+rd.Detail)
	}
	if rd := s.pi.EnsureInstalled(r.Context()); !rd.Ready {
		errs = append(errs, "pi: "+rd.Detail)
	}
	if err := s.store.Ping(r.Context()); err != nil {
		errs = append(errs, "store: "+err.Error())
	}
	if s.cfg.VaultEnabled() && (s.vault == nil || !s.vault.Enabled()) {
		errs = append(errs, "vault: master key configured but vault failed to open")
	}

	if len(errs) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"errors": errs,
		})
		return
	}

	resp := map[string]any{"status": "ready"}
	if s.cfg.ClaudePath != "" {
		resp["claudePath"] = s.cfg.ClaudePath
	}
	writeJSON(w, http.StatusOK, resp)
}
