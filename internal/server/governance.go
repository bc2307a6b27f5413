package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sandarb-ai/sandarb/internal/audit"
	"github.com/sandarb-ai/sandarb/internal/errs"
)

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queries.Lineage(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.LineageEntry{}
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) handleIntersection(w http.ResponseWriter, r *http.Request) {
	filters, err := filtersParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := s.queries.Intersection(r.Context(), filters, limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.IntersectionEntry{}
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) handleBlockedInjections(w http.ResponseWriter, r *http.Request) {
	events, err := s.queries.BlockedInjections(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeData(w, http.StatusOK, events)
}

func (s *Server) handleGovernanceLog(w http.ResponseWriter, r *http.Request) {
	filters, err := filtersParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.queries.GovernanceLog(r.Context(), filters, limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeData(w, http.StatusOK, events)
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

// filtersParam reads the optional agentId/traceId/startDate/endDate
// query parameters. Dates accept RFC 3339 or plain YYYY-MM-DD; an
// end date without a time component covers the whole day.
func filtersParam(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	f := audit.Filters{
		AgentID: q.Get("agentId"),
		TraceID: q.Get("traceId"),
	}

	if raw := q.Get("startDate"); raw != "" {
		t, err := parseDate(raw, false)
		if err != nil {
			return audit.Filters{}, err
		}
		f.Start = &t
	}
	if raw := q.Get("endDate"); raw != "" {
		t, err := parseDate(raw, true)
		if err != nil {
			return audit.Filters{}, err
		}
		f.End = &t
	}
	return f, nil
}

func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errs.New(errs.Validation, "invalid date %q, want RFC 3339 or YYYY-MM-DD", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t.UTC(), nil
}
