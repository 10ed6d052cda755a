package server

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/ci-dispatch/internal/api"
	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readyJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.controller.ReadyJobs(r.Context(), controller.PollRequest{
		BuildKey:   chi.URLParam(r, "build_key"),
		Config:     chi.URLParam(r, "config"),
		ClientName: chi.URLParam(r, "client_name"),
		IP:         clientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ReadyJobsResponse{Jobs: jobs})
}

func (s *Server) claimJob(w http.ResponseWriter, r *http.Request) {
	var body api.ClaimBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	desc, err := s.controller.ClaimJob(r.Context(), controller.ClaimRequest{
		BuildKey:   chi.URLParam(r, "build_key"),
		Config:     chi.URLParam(r, "config"),
		ClientName: chi.URLParam(r, "client_name"),
		JobID:      body.JobID,
		IP:         clientIP(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// stepReport decodes the common part of the three step result endpoints.
func stepReport(r *http.Request) (controller.StepReport, error) {
	id, err := intParam(r, "result_id")
	if err != nil {
		return controller.StepReport{}, err
	}
	var body api.StepBody
	if err := decodeBody(r, &body); err != nil {
		return controller.StepReport{}, err
	}
	return controller.StepReport{
		BuildKey:   chi.URLParam(r, "build_key"),
		ClientName: chi.URLParam(r, "client_name"),
		ResultID:   types.StepResultID(id),
		StepNum:    body.StepNum,
		Output:     body.Output,
		Time:       body.Time,
		Complete:   body.Complete,
		ExitStatus: body.ExitStatus,
	}, nil
}

func (s *Server) startStep(w http.ResponseWriter, r *http.Request) {
	report, err := stepReport(r)
	if err == nil {
		err = s.controller.StartStep(r.Context(), report)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusOK})
}

func (s *Server) updateStep(w http.ResponseWriter, r *http.Request) {
	report, err := stepReport(r)
	if err == nil {
		err = s.controller.UpdateStep(r.Context(), report)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusOK})
}

func (s *Server) completeStep(w http.ResponseWriter, r *http.Request) {
	report, err := stepReport(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	next, err := s.controller.CompleteStep(r.Context(), report)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: api.StatusOK, NextStep: &next})
}

func (s *Server) jobFinished(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "job_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body api.FinishBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.controller.JobFinished(r.Context(), controller.FinishReport{
		BuildKey:   chi.URLParam(r, "build_key"),
		ClientName: chi.URLParam(r, "client_name"),
		JobID:      types.JobID(id),
		Seconds:    body.Seconds,
		Complete:   body.Complete,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var spec controller.EventSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	spec.BuildKey = chi.URLParam(r, "build_key")
	event, jobs, err := s.controller.CreateEvent(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.EventResponse{Status: api.StatusOK, Event: event, Jobs: jobs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "job_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.controller.CancelJob(r.Context(), chi.URLParam(r, "build_key"), types.JobID(id))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) invalidateJob(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(r, "job_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body api.InvalidateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.controller.InvalidateJob(r.Context(), chi.URLParam(r, "build_key"), types.JobID(id), body.SameClient)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.controller.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
