package report

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/rehearsal/internal/observe"
)

// Path is where [Handler] is mounted.
const Path = "/api/gemini"

// Limits bounds request sizes. Zero fields use the package defaults.
type Limits struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	MaxHistory   int   `yaml:"max_history"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = MaxBodyBytes
	}
	if l.MaxHistory <= 0 {
		l.MaxHistory = MaxHistory
	}
	return l
}

// Handler serves the report endpoint. A nil service means no server-side key
// is configured; every valid request is then refused with 500.
type Handler struct {
	svc     *Service
	limits  atomic.Pointer[Limits]
	metrics *observe.Metrics
}

// NewHandler returns a Handler backed by svc, which may be nil.
func NewHandler(svc *Service, limits Limits, m *observe.Metrics) *Handler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	h := &Handler{svc: svc, metrics: m}
	h.SetLimits(limits)
	return h
}

// SetLimits replaces the request limits. Safe to call while serving.
func (h *Handler) SetLimits(l Limits) {
	l = l.withDefaults()
	h.limits.Store(&l)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := "unknown"
	status, body := h.serve(r, &action)
	h.metrics.RecordReportRequest(r.Context(), action, strconv.Itoa(status))
	writeJSON(w, status, body)
}

func (h *Handler) serve(r *http.Request, action *string) (int, any) {
	if r.Method != http.MethodPost {
		return fail(http.StatusMethodNotAllowed, "Method not allowed")
	}
	limits := *h.limits.Load()

	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limits.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(http.StatusRequestEntityTooLarge, "Request body too large")
		}
		return fail(http.StatusBadRequest, "Invalid JSON body")
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail(http.StatusBadRequest, "Invalid JSON body")
	}

	if h.svc == nil {
		return fail(http.StatusInternalServerError, "Missing GEMINI_API_KEY on server")
	}

	ctx, span := observe.StartSpan(r.Context(), "report.request",
		trace.WithAttributes(observe.AttrReportAction.String(req.Action)))
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()
	log := observe.Logger(ctx)

	switch req.Action {
	case ActionTTSPreview:
		*action = req.Action
		voice := strings.TrimSpace(req.VoiceName)
		if voice == "" || utf8.RuneCountInString(voice) > MaxVoiceNameLen {
			return fail(http.StatusBadRequest, "Invalid voiceName")
		}
		audio, err := h.svc.Preview(ctx, voice)
		if err != nil {
			spanErr = err
			log.Error("report: voice preview failed", "voice", voice, "err", err)
			return fail(http.StatusInternalServerError, "Gemini function failed")
		}
		var resp PreviewResponse
		if len(audio) > 0 {
			enc := base64.StdEncoding.EncodeToString(audio)
			resp.AudioBase64 = &enc
		}
		return http.StatusOK, resp

	case ActionGenericReport:
		*action = req.Action
		if len(req.History) > limits.MaxHistory {
			return fail(http.StatusBadRequest, "Too many history messages")
		}
		report, err := h.svc.Generate(ctx, Input{
			History:     req.History,
			Scenario:    req.Scenario,
			Participant: req.Participant,
			ActiveCase:  req.ActiveCase,
		})
		if err != nil {
			spanErr = err
			log.Error("report: generation failed", "err", err)
			return fail(http.StatusInternalServerError, "Gemini function failed")
		}
		return http.StatusOK, ReportResponse{Report: report}
	}
	return fail(http.StatusBadRequest, "Unknown action")
}

func fail(status int, msg string) (int, any) {
	return status, ErrorResponse{Error: "Error: " + msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("report: write response", "err", err)
	}
}
