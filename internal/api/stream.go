package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/scheduler"
)

const (
	defaultHeartbeat = 30 * time.Second

	eventConnected = "connected"
)

// wireEvent is the JSON body of one server-sent event.
type wireEvent struct {
	Topic    events.Topic `json:"topic"`
	TargetID string       `json:"targetId,omitempty"`
	ClientID string       `json:"clientId,omitempty"`
	TS       time.Time    `json:"ts"`
	Payload  any          `json:"payload,omitempty"`
}

// streamEvents serves a server-sent event feed. With a url parameter the feed
// also submits the crawl, keeping its periodic re-crawl alive for as long as
// the stream stays open.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id required")
		return
	}

	var (
		sub   *events.Subscription
		hello any = map[string]string{"clientId": clientID}
	)
	if rawURL := q.Get("url"); rawURL != "" {
		if s.deps.Crawler == nil {
			s.writeError(w, http.StatusNotImplemented, "crawling unavailable")
			return
		}
		target, err := crawlTarget(crawlRequest{URL: rawURL, ClientID: clientID, Kind: q.Get("kind")})
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		force, _ := strconv.ParseBool(q.Get("force_refresh"))
		res, err := s.deps.Crawler.Submit(r.Context(), scheduler.Request{
			Target:       target,
			ForceRefresh: force,
			Subscribe:    true,
		})
		if err != nil {
			s.writeEngineError(w, r, "crawl submit", err)
			return
		}
		sub = res.Subscription
		hello = crawlResponse{
			TargetID: target.ID,
			IsCached: res.IsCached,
			Running:  res.Running,
			Queued:   res.Queued,
			Snapshot: res.Cached,
		}
	} else {
		if s.deps.Events == nil {
			s.writeError(w, http.StatusNotImplemented, "events unavailable")
			return
		}
		sub = s.deps.Events.Subscribe(events.Filter{ClientID: clientID, TargetID: q.Get("target_id")})
	}
	if sub == nil {
		s.writeError(w, http.StatusServiceUnavailable, "subscription unavailable")
		return
	}
	defer sub.Close()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, eventConnected, 0, hello); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("event stream opened",
		zap.String("client_id", clientID),
		zap.Uint64("subscription", sub.ID()),
	)

	ticker := time.NewTicker(s.deps.Heartbeat)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			seq++
			if err := writeSSE(w, string(evt.Topic), seq, wireEvent{
				Topic:    evt.Topic,
				TargetID: evt.TargetID,
				ClientID: evt.ClientID,
				TS:       evt.TS,
				Payload:  evt.Payload,
			}); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case now := <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %d\n\n", now.Unix()); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug("event stream closed",
				zap.String("client_id", clientID),
				zap.Int64("dropped", sub.Dropped()),
			)
			return
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, name string, id uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", name, id, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
