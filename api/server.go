// Package api exposes the processing pipeline over HTTP: manual run
// triggers, run history, stored detections and their clips, and user
// management.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
	"github.com/stokedbloke/giggles-cli-sub001/internal/httputil"
	"github.com/stokedbloke/giggles-cli-sub001/internal/pipeline"
	"github.com/stokedbloke/giggles-cli-sub001/internal/security"
	"github.com/stokedbloke/giggles-cli-sub001/internal/units"
)

type Server struct {
	db       *db.DB
	ctrl     *pipeline.Controller
	clipRoot string
}

func NewServer(database *db.DB, ctrl *pipeline.Controller, clipRoot string) *Server {
	return &Server{db: database, ctrl: ctrl, clipRoot: clipRoot}
}

// Router wires all routes. Mounted at the root of the listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods("GET")
	r.HandleFunc("/api/status", s.status).Methods("GET")
	r.HandleFunc("/api/timezones", s.listTimezones).Methods("GET")
	r.HandleFunc("/api/process", s.process).Methods("POST")
	r.HandleFunc("/api/users", s.createUser).Methods("POST")
	r.HandleFunc("/api/users/{id}/runs", s.listRuns).Methods("GET")
	r.HandleFunc("/api/users/{id}/detections", s.listDetections).Methods("GET")
	r.HandleFunc("/api/detections/{id}/clip", s.serveClip).Methods("GET")
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) listTimezones(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"timezones": units.CommonTimezones})
}

type processRequest struct {
	UserID   string `json:"user_id"`   // empty means sweep all active users
	FromDate string `json:"from_date"` // YYYY-MM-DD, user-local
	ToDate   string `json:"to_date"`   // defaults to from_date
}

// process triggers a run. With a user_id it runs synchronously over the
// requested date range; without one it queues an all-users sweep.
func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "bad request body: "+err.Error())
		return
	}

	if req.UserID == "" {
		if !s.ctrl.TriggerSweep(db.TriggerManual) {
			httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"result": "sweep already pending"})
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"result": "sweep queued"})
		return
	}

	if req.FromDate == "" {
		httputil.BadRequest(w, "from_date is required for a per-user run")
		return
	}
	if req.ToDate == "" {
		req.ToDate = req.FromDate
	}

	recs, err := s.ctrl.ProcessRange(r.Context(), req.UserID, req.FromDate, req.ToDate)
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, db.ErrUserNotFound):
		httputil.NotFound(w, err.Error())
		return
	case err != nil:
		log.Printf("manual run failed: %v", err)
		// Partial results still describe what happened before failure.
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"runs":  runViews(recs),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runViews(recs)})
}

type createUserRequest struct {
	Name          string `json:"name"`
	Timezone      string `json:"timezone"`
	ProviderToken string `json:"provider_token"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "bad request body: "+err.Error())
		return
	}

	u := &db.User{
		Name:          req.Name,
		Timezone:      req.Timezone,
		ProviderToken: req.ProviderToken,
		Active:        true,
	}
	if err := s.db.CreateUser(u); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"user_id":  u.ID,
		"timezone": u.Timezone,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if _, err := s.db.GetUser(userID); err != nil {
		writeUserError(w, err)
		return
	}

	recs, err := s.db.RunLogs(userID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	views := make([]runView, 0, len(recs))
	for i := range recs {
		views = append(views, newRunView(&recs[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": views})
}

// listDetections returns stored detections for ?from=YYYY-MM-DD&to=...
// interpreted as UTC dates, to inclusive. Defaults to the trailing
// 7 days.
func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if _, err := s.db.GetUser(userID); err != nil {
		writeUserError(w, err)
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httputil.BadRequest(w, "bad from date: "+err.Error())
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httputil.BadRequest(w, "bad to date: "+err.Error())
			return
		}
		to = t.AddDate(0, 0, 1)
	}

	dets, err := s.db.DetectionsBetween(userID, from, to)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	views := make([]detectionView, 0, len(dets))
	for _, d := range dets {
		views = append(views, detectionView{
			ID:          d.ID,
			Event:       d.Event.UTC().Format(time.RFC3339),
			Probability: d.Probability,
			ClassID:     d.ClassID,
			ClassName:   d.ClassName,
			ClipPath:    d.ClipPath,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"detections": views})
}

// serveClip streams a detection's extracted clip. The stored path is
// validated against the clip root before it is opened; database rows
// are trusted less than the filesystem they point into.
func (s *Server) serveClip(w http.ResponseWriter, r *http.Request) {
	det, err := s.db.GetDetection(mux.Vars(r)["id"])
	if errors.Is(err, db.ErrDetectionNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	if err := security.ValidatePathWithinDirectory(det.ClipPath, s.clipRoot); err != nil {
		log.Printf("refusing clip path outside clip root: %v", err)
		httputil.NotFound(w, "clip not available")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, det.ClipPath)
}

type detectionView struct {
	ID          string  `json:"id"`
	Event       string  `json:"event_time"`
	Probability float64 `json:"probability"`
	ClassID     int     `json:"class_id"`
	ClassName   string  `json:"class_name"`
	ClipPath    string  `json:"clip_path"`
}

type runView struct {
	CalendarDate         string       `json:"calendar_date"`
	Status               string       `json:"status"`
	TriggerType          string       `json:"trigger_type"`
	AudioFilesDownloaded int64        `json:"audio_files_downloaded"`
	LaughterEventsFound  int64        `json:"laughter_events_found"`
	DuplicatesSkipped    int64        `json:"duplicates_skipped"`
	APICallAudit         []db.APICall `json:"api_call_audit"`
	ErrorDetails         string       `json:"error_details,omitempty"`
	DurationSeconds      float64      `json:"duration_seconds"`
}

func newRunView(rec *db.ProcessingLogRecord) runView {
	audit := rec.APICallAudit
	if audit == nil {
		audit = []db.APICall{}
	}
	return runView{
		CalendarDate:         rec.CalendarDate,
		Status:               rec.Status,
		TriggerType:          rec.TriggerType,
		AudioFilesDownloaded: rec.AudioFilesDownloaded,
		LaughterEventsFound:  rec.LaughterEventsFound,
		DuplicatesSkipped:    rec.DuplicatesSkipped,
		APICallAudit:         audit,
		ErrorDetails:         rec.ErrorDetails,
		DurationSeconds:      rec.DurationSeconds,
	}
}

func runViews(recs []*db.ProcessingLogRecord) []runView {
	views := make([]runView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newRunView(rec))
	}
	return views
}

func writeUserError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrUserNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}
