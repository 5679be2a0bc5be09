package api

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// proxyVnc forwards /vnc/{port}/... to the bridge listening on that port,
// including WebSocket upgrades. Ports without a live allocation are not
// reachable.
func (s *Server) proxyVnc(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		http.NotFound(w, r)
		return
	}
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil || port <= 0 || port > 65535 {
		http.NotFound(w, r)
		return
	}
	alloc, live, err := s.deps.Sessions.Lookup(r.Context(), port)
	if err != nil {
		s.writeEngineError(w, r, "vnc lookup", err)
		return
	}
	if !live {
		http.NotFound(w, r)
		return
	}

	upstream := &url.URL{Scheme: "http", Host: net.JoinHostPort(s.deps.ProxyHost, strconv.Itoa(port))}
	prefix := "/vnc/" + strconv.Itoa(port)
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.URL.Path = stripPrefix(pr.In.URL.Path, prefix)
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("vnc proxy failed",
				zap.String("client_id", alloc.ClientID),
				zap.Int("web_port", port),
				zap.Error(err),
			)
			s.writeError(w, http.StatusBadGateway, "interactive session unavailable")
		},
	}
	proxy.ServeHTTP(w, r)
}

func stripPrefix(p, prefix string) string {
	rest := strings.TrimPrefix(p, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}
