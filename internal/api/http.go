package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/aggregate"
	"github.com/LordPrinz/dzajtcper/internal/filter"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/report"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/LordPrinz/dzajtcper/internal/tail"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type sessionResponse struct {
	Session   *session.Session `json:"session"`
	Artifacts []string         `json:"artifacts"`
}

type seriesResponse struct {
	SessionID   string             `json:"session_id"`
	Filters     []string           `json:"filters"`
	BucketWidth string             `json:"bucket_width"`
	Buckets     []aggregate.Bucket `json:"buckets"`
	Connections []aggregate.Series `json:"connections,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) cleanSessions(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.Clean()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.SessionsCleaned(removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Open(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	artifacts, err := s.store.Artifacts(sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []string{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Artifacts: artifacts})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	q, sel, err := parseFilters(r.URL.Query().Get)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, _, records, preds, err := s.query(mux.Vars(r)["id"], q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregate.Summarize(sel.Apply(filter.Apply(records, preds...))))
}

// getSeries buckets the selected records. ?bucket= overrides the default
// width; ?connections=N adds per-connection series for the N busiest.
func (s *Server) getSeries(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q, sel, err := parseFilters(params.Get)
	if err != nil {
		s.writeError(w, err)
		return
	}
	width := s.width
	if b := params.Get("bucket"); b != "" {
		if width, err = time.ParseDuration(b); err != nil || width <= 0 {
			s.writeError(w, &model.ValidationError{Field: "bucket", Value: b, Reason: "must be a positive duration"})
			return
		}
	}
	top := 0
	if c := params.Get("connections"); c != "" {
		if top, err = strconv.Atoi(c); err != nil || top < 0 {
			s.writeError(w, &model.ValidationError{Field: "connections", Value: c, Reason: "must be a non-negative integer"})
			return
		}
	}

	sess, _, records, preds, err := s.query(mux.Vars(r)["id"], q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	selected := sel.Apply(filter.Apply(records, preds...))

	resp := seriesResponse{SessionID: sess.ID, Filters: describe(preds, sel), BucketWidth: width.String()}
	if resp.Buckets, err = aggregate.Bucketize(selected, width); err != nil {
		s.writeError(w, err)
		return
	}
	if top > 0 {
		sum := aggregate.Summarize(selected)
		keys := make([]string, 0, top)
		for _, c := range sum.ByConnection {
			if len(keys) == top {
				break
			}
			keys = append(keys, c.Key)
		}
		if resp.Connections, err = aggregate.SeriesByConnection(selected, keys, width); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// getReport renders a report in ?format= (json by default). With ?save=true
// the report is also written into the session directory.
func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	format := report.FormatJSON
	if f := params.Get("format"); f != "" {
		var err error
		if format, err = report.ParseFormat(f); err != nil {
			s.writeError(w, &model.ValidationError{Field: "format", Value: f, Reason: "must be text, json or html"})
			return
		}
	}
	q, sel, err := parseFilters(params.Get)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sess, info, records, preds, err := s.query(mux.Vars(r)["id"], q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rep, err := s.assembler.AssembleSelected(r.Context(), sess, info, records, sel, preds...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if save, _ := strconv.ParseBool(params.Get("save")); save {
		artifacts, err := s.assembler.Save(rep, sess.Dir, format)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("X-Report-Artifact", artifacts[0].Path)
	}

	w.Header().Set("Content-Type", format.ContentType())
	if err := rep.Render(w, format); err != nil {
		s.logger.Warn("failed to write report response", "session", sess.ID, "error", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// tailMessage is one websocket frame of a live tail.
type tailMessage struct {
	SessionID string              `json:"session_id"`
	Offset    int64               `json:"offset"`
	Records   []model.EventRecord `json:"records"`
}

// tail streams the session log over a websocket from the beginning of the
// log, one frame per poll that found new records. ?duration= bounds the
// stream; the client closing the socket stops it.
func (s *Server) tail(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Open(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var duration time.Duration
	if d := r.URL.Query().Get("duration"); d != "" {
		if duration, err = time.ParseDuration(d); err != nil || duration < 0 {
			s.writeError(w, &model.ValidationError{Field: "duration", Value: d, Reason: "must be a non-negative duration"})
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	mon := tail.NewMonitor(sess, tail.Options{PollInterval: s.poll, Logger: s.logger, Metrics: s.metrics})
	err = mon.Start(r.Context(), duration, func(batch []model.EventRecord) {
		msg := tailMessage{SessionID: sess.ID, Offset: mon.Offset(), Records: batch}
		if err := conn.WriteJSON(msg); err != nil {
			mon.Stop()
		}
	})
	if err != nil {
		s.logger.Error("failed to start live tail", "session", sess.ID, "error", err)
		return
	}

	// The read side only exists to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				mon.Stop()
				return
			}
		}
	}()

	state := mon.Wait()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(state)),
		time.Now().Add(time.Second))
}
