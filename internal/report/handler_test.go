package report_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/internal/report/mock"
	"github.com/MrWong99/rehearsal/internal/resilience"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/pkg/types"
)

const validReport = `{"summary":"Sterk","score":8,"sentiment":"positief","participantFeedback":{"mainFeedback":"Goed","tips":["Meer vragen"]}}`

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newService(t *testing.T, eval report.Evaluator, opts ...report.ServiceOption) *report.Service {
	t.Helper()
	opts = append(opts, report.WithServiceMetrics(testMetrics(t)))
	return report.NewService("primary", eval, opts...)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, report.Path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e report.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e.Error
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	svc := newService(t, &mock.Evaluator{Answer: validReport}, report.WithSynthesizer(&mock.Synthesizer{}))
	h := report.NewHandler(svc, report.Limits{}, testMetrics(t))

	history := make([]types.Message, report.MaxHistory+1)
	tooMany, _ := json.Marshal(report.Request{Action: report.ActionGenericReport, History: history})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantErr    string
	}{
		{"invalid json", "{nope", http.StatusBadRequest, "Error: Invalid JSON body"},
		{"oversized body", `{"action":"` + strings.Repeat("x", report.MaxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge, "Error: Request body too large"},
		{"unknown action", `{"action":"summarize"}`, http.StatusBadRequest, "Error: Unknown action"},
		{"empty body", "", http.StatusBadRequest, "Error: Unknown action"},
		{"missing voice", `{"action":"ttsPreview","voiceName":"  "}`, http.StatusBadRequest, "Error: Invalid voiceName"},
		{"long voice", `{"action":"ttsPreview","voiceName":"` + strings.Repeat("a", 65) + `"}`, http.StatusBadRequest, "Error: Invalid voiceName"},
		{"too much history", string(tooMany), http.StatusBadRequest, "Error: Too many history messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := post(t, h, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorOf(t, rec); got != tt.wantErr {
				t.Errorf("error = %q, want %q", got, tt.wantErr)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Errorf("content type = %q", ct)
			}
			if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
				t.Errorf("cache control = %q", cc)
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := report.NewHandler(nil, report.Limits{}, testMetrics(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, report.Path, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
	if got := errorOf(t, rec); got != "Error: Method not allowed" {
		t.Errorf("error = %q", got)
	}
}

func TestHandler_MissingKey(t *testing.T) {
	t.Parallel()

	h := report.NewHandler(nil, report.Limits{}, testMetrics(t))
	rec := post(t, h, `{"action":"genericReport"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if got := errorOf(t, rec); got != "Error: Missing GEMINI_API_KEY on server" {
		t.Errorf("error = %q", got)
	}

	// Body problems are reported before the missing key.
	if rec := post(t, h, "{nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid json status = %d", rec.Code)
	}
}

func TestHandler_GenericReport(t *testing.T) {
	t.Parallel()

	eval := &mock.Evaluator{Answer: "```json\n" + validReport + "\n```"}
	h := report.NewHandler(newService(t, eval), report.Limits{}, testMetrics(t))

	body, _ := json.Marshal(report.Request{
		Action:      report.ActionGenericReport,
		History:     []types.Message{{Role: types.RoleModel, Text: "Goedemiddag"}, {Role: types.RoleUser, Text: "Hoi"}},
		Scenario:    &scenario.Scenario{Name: "Intake", Persona: scenario.Persona{Name: "Sanne"}},
		Participant: &scenario.Participant{Name: "Jeroen"},
		ActiveCase:  "Te late levering",
	})
	rec := post(t, h, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp report.ReportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Report == nil || resp.Report.Summary != "Sterk" || resp.Report.Score != 8 {
		t.Errorf("report = %+v", resp.Report)
	}

	prompts := eval.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("evaluator called %d times", len(prompts))
	}
	for _, want := range []string{"model: Goedemiddag\nuser: Hoi", "CASE CONTEXT: Te late levering.", "DEELNEMER: Jeroen."} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestHandler_EvaluatorFailure(t *testing.T) {
	t.Parallel()

	h := report.NewHandler(newService(t, &mock.Evaluator{Answer: "geen json"}), report.Limits{}, testMetrics(t))
	rec := post(t, h, `{"action":"genericReport"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if got := errorOf(t, rec); got != "Error: Gemini function failed" {
		t.Errorf("error = %q", got)
	}
}

func TestHandler_Preview(t *testing.T) {
	t.Parallel()

	tts := &mock.Synthesizer{Audio: []byte{1, 2, 3, 4}}
	h := report.NewHandler(newService(t, &mock.Evaluator{}, report.WithSynthesizer(tts)), report.Limits{}, testMetrics(t))

	rec := post(t, h, `{"action":"ttsPreview","voiceName":" Kore "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp report.PreviewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AudioBase64 == nil || *resp.AudioBase64 != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Errorf("audio = %v", resp.AudioBase64)
	}
	if len(tts.Calls) != 1 || tts.Calls[0].Voice != "Kore" || tts.Calls[0].Text != report.PreviewText("Kore") {
		t.Errorf("calls = %+v", tts.Calls)
	}

	tts.Audio = nil
	rec = post(t, h, `{"action":"ttsPreview","voiceName":"Puck"}`)
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"audioBase64":null`)) {
		t.Errorf("body = %s, want null audio", rec.Body)
	}
}

func TestHandler_SetLimits(t *testing.T) {
	t.Parallel()

	h := report.NewHandler(newService(t, &mock.Evaluator{Answer: validReport}), report.Limits{}, testMetrics(t))
	h.SetLimits(report.Limits{MaxHistory: 1})

	body, _ := json.Marshal(report.Request{Action: report.ActionGenericReport, History: make([]types.Message, 2)})
	if rec := post(t, h, string(body)); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 with lowered limit", rec.Code)
	}
}

func TestService_FallsBackOnBadAnswer(t *testing.T) {
	t.Parallel()

	primary := &mock.Evaluator{Answer: "Sorry, dat kan ik niet."}
	secondary := &mock.Evaluator{Answer: validReport}
	svc := newService(t, primary, report.WithFallback("secondary", secondary))

	if got := svc.Evaluators(); len(got) != 2 || got[1] != "secondary" {
		t.Errorf("Evaluators() = %v", got)
	}
	r, err := svc.Generate(context.Background(), report.Input{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if r.Summary != "Sterk" {
		t.Errorf("summary = %q", r.Summary)
	}
	if len(primary.Prompts()) != 1 || len(secondary.Prompts()) != 1 {
		t.Error("both evaluators should have been asked once")
	}
}

func TestService_AllFail(t *testing.T) {
	t.Parallel()

	svc := newService(t, &mock.Evaluator{Err: errors.New("quota")},
		report.WithFallback("secondary", &mock.Evaluator{Err: errors.New("offline")}),
		report.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 5}))
	_, err := svc.Generate(context.Background(), report.Input{})
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestService_PreviewWithoutSynthesizer(t *testing.T) {
	t.Parallel()

	svc := newService(t, &mock.Evaluator{})
	if _, err := svc.Preview(context.Background(), "Puck"); !errors.Is(err, report.ErrNoSynthesizer) {
		t.Errorf("err = %v", err)
	}
}
