package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archive"
	"github.com/JakeFAU/listing-archiver/internal/crawler"
	idgen "github.com/JakeFAU/listing-archiver/internal/id/uuid"
	"github.com/JakeFAU/listing-archiver/internal/scheduler"
)

const defaultRecentLimit = 20

type crawlRequest struct {
	URL          string `json:"url"`
	ClientID     string `json:"clientId"`
	Kind         string `json:"kind"`
	ForceRefresh bool   `json:"forceRefresh"`
}

type crawlResponse struct {
	TargetID string                   `json:"targetId"`
	IsCached bool                     `json:"isCached"`
	Running  bool                     `json:"running,omitempty"`
	Queued   bool                     `json:"queued,omitempty"`
	Snapshot *crawler.ListingSnapshot `json:"snapshot,omitempty"`
}

type archiveRequest struct {
	ListingURL string `json:"listingUrl"`
	ClientID   string `json:"clientId"`
}

type archiveResponse struct {
	ListingPID string                `json:"listingPid"`
	IsCached   bool                  `json:"isCached"`
	Queued     bool                  `json:"queued,omitempty"`
	Entry      *crawler.ArchiveEntry `json:"entry,omitempty"`
}

// crawlTarget builds the target for a crawl submission.
func crawlTarget(req crawlRequest) (crawler.CrawlTarget, error) {
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.ClientID) == "" {
		return crawler.CrawlTarget{}, crawler.ErrInvalidTarget
	}
	kind, err := crawler.ParseKind(req.Kind)
	if err != nil || kind == crawler.KindInteractiveResolve {
		return crawler.CrawlTarget{}, crawler.ErrInvalidTarget
	}
	return crawler.CrawlTarget{
		ID:       idgen.TargetID(req.URL),
		URL:      req.URL,
		ClientID: req.ClientID,
		Kind:     kind,
	}, nil
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	if s.deps.Crawler == nil {
		s.writeError(w, http.StatusNotImplemented, "crawling unavailable")
		return
	}
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := crawlTarget(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, crawler.SanitizeError(err))
		return
	}
	res, err := s.deps.Crawler.Submit(r.Context(), scheduler.Request{
		Target:       target,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		s.writeEngineError(w, r, "crawl submit", err)
		return
	}
	status := http.StatusAccepted
	if res.IsCached {
		status = http.StatusOK
	}
	s.writeJSON(w, status, crawlResponse{
		TargetID: target.ID,
		IsCached: res.IsCached,
		Running:  res.Running,
		Queued:   res.Queued,
		Snapshot: res.Cached,
	})
}

func (s *Server) submitArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archiver == nil {
		s.writeError(w, http.StatusNotImplemented, "archiving unavailable")
		return
	}
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.deps.Archiver.Archive(r.Context(), archive.Request{
		ListingURL: req.ListingURL,
		ClientID:   req.ClientID,
	})
	if err != nil {
		s.writeEngineError(w, r, "archive submit", err)
		return
	}
	if res.Cached != nil {
		s.writeJSON(w, http.StatusOK, archiveResponse{
			ListingPID: res.Cached.ListingPID,
			IsCached:   true,
			Entry:      res.Cached,
		})
		return
	}
	s.writeJSON(w, http.StatusAccepted, archiveResponse{
		ListingPID: archive.ListingPID(req.ListingURL),
		Queued:     res.Queued,
	})
}

func (s *Server) recentArchives(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archiver == nil {
		s.writeError(w, http.StatusNotImplemented, "archiving unavailable")
		return
	}
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.deps.Archiver.Recent(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, r, "recent archives", err)
		return
	}
	if entries == nil {
		entries = []crawler.ArchiveEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) resolveVnc(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archiver == nil {
		s.writeError(w, http.StatusNotImplemented, "archiving unavailable")
		return
	}
	clientID := chi.URLParam(r, "client_id")
	if err := s.deps.Archiver.Resolve(r.Context(), clientID); err != nil {
		if errors.Is(err, archive.ErrNoPending) {
			s.writeError(w, http.StatusNotFound, "no session awaiting resolution")
			return
		}
		s.writeEngineError(w, r, "vnc resolve", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"clientId": clientID, "status": "resolved"})
}

// archiveContent serves a stored archive document.
func (s *Server) archiveContent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Content == nil {
		http.NotFound(w, r)
		return
	}
	pid := chi.URLParam(r, "pid")
	file := chi.URLParam(r, "file")
	if !validSegment(pid) || !validSegment(file) {
		http.NotFound(w, r)
		return
	}
	data, contentType, err := s.deps.Content.GetObject(r.Context(), path.Join(s.deps.ContentPrefix, pid, file))
	if err != nil {
		if errors.Is(err, crawler.ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		s.writeEngineError(w, r, "archive content", err)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int((24*time.Hour).Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if s.deps.Tagger != nil {
		etag := s.deps.Tagger.ETag(data)
		w.Header().Set("ETag", etag)
		if s.deps.Tagger.Match(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("archive content write failed", zap.Error(err))
	}
}

func validSegment(seg string) bool {
	return seg != "" && seg != "." && seg != ".." && !strings.ContainsAny(seg, `/\`)
}
