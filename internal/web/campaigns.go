package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
)

const maxBody = 32 << 20

func respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, err error) {
	respond(w, code, utskick.ErrorResponse{Error: err.Error()})
}

func postCampaign(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		var req utskick.CampaignRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
		err := dec.Decode(&req)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("could not parse body"))
			return
		}

		policy, err := req.Policy.Policy()
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}

		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			respond(w, http.StatusAccepted, s.schedule(req.Rows, policy))
			return
		}

		s.campaignMu.Lock()
		defer s.campaignMu.Unlock()
		if item := s.campaigns.Get(key); item != nil {
			s.log.WithField("key", key).Debug("replaying campaign for idempotency key")
			respond(w, http.StatusAccepted, item.Value())
			return
		}
		res := s.schedule(req.Rows, policy)
		s.campaigns.Set(key, res, 0)
		respond(w, http.StatusAccepted, res)
	}
}

func (s *Server) schedule(rows []utskick.Row, policy utskick.Policy) utskick.CampaignResponse {
	emails := s.scheduler.Schedule(rows, policy)
	res := utskick.CampaignResponse{Emails: emails}
	if len(emails) > 0 {
		res.BatchID = emails[0].BatchID
	}
	if res.Emails == nil {
		res.Emails = []utskick.Email{}
	}
	s.log.WithField("batch", res.BatchID).Infof("scheduled %d emails, %s", len(emails), policy)
	return res
}

func listEmails(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var statuses []utskick.Status
		for _, st := range q["status"] {
			status := utskick.Status(st)
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, errors.New("unknown status "+st))
				return
			}
			statuses = append(statuses, status)
		}
		batch := q.Get("batch")

		emails := slicez.Reject(s.scheduler.Emails(), func(e utskick.Email) bool {
			if batch != "" && e.BatchID != batch {
				return true
			}
			return len(statuses) > 0 && !slicez.Contains(statuses, e.Status)
		})
		if emails == nil {
			emails = []utskick.Email{}
		}
		respond(w, http.StatusOK, emails)
	}
}

func getEmail(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, err := s.scheduler.Email(chi.URLParam(r, "id"))
		if errors.Is(err, utskick.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respond(w, http.StatusOK, email)
	}
}

func getEmailLog(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log, err := s.scheduler.Log(chi.URLParam(r, "id"))
		if errors.Is(err, utskick.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respond(w, http.StatusOK, log)
	}
}

// cancelSchedule never fails, cancelling something that is not scheduled is a no-op
func cancelSchedule(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		respond(w, http.StatusOK, utskick.CancelResponse{
			ID:        id,
			Cancelled: s.scheduler.Cancel(id),
		})
	}
}

func getAnalytics(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, s.analytics.Latest())
	}
}
