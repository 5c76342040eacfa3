package report_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/internal/report/mock"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/pkg/types"
)

func newServer(t *testing.T, h http.Handler) *report.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(report.Path, h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return report.NewClient(srv.URL+"/", srv.Client())
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	tts := &mock.Synthesizer{Audio: []byte{0, 1, 0, 2}}
	svc := newService(t, &mock.Evaluator{Answer: validReport}, report.WithSynthesizer(tts))
	c := newServer(t, report.NewHandler(svc, report.Limits{}, testMetrics(t)))
	ctx := context.Background()

	r, err := c.GenerateReport(ctx,
		[]types.Message{{Role: types.RoleUser, Text: "Hallo"}},
		&scenario.Scenario{Name: "Intake"}, &scenario.Participant{Name: "Jeroen"}, "")
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if r.Summary != "Sterk" || len(r.ParticipantFeedback.Tips) != 1 {
		t.Errorf("report = %+v", r)
	}

	pcm, err := c.VoicePreview(ctx, "Kore")
	if err != nil {
		t.Fatalf("VoicePreview: %v", err)
	}
	if string(pcm) != string([]byte{0, 1, 0, 2}) {
		t.Errorf("pcm = %v", pcm)
	}
}

func TestClient_ServerError(t *testing.T) {
	t.Parallel()

	c := newServer(t, report.NewHandler(nil, report.Limits{}, testMetrics(t)))
	_, err := c.GenerateReport(context.Background(), nil, nil, nil, "")
	if err == nil || err.Error() != "Error: Missing GEMINI_API_KEY on server" {
		t.Errorf("err = %v", err)
	}
}

func TestClient_NonJSONFailure(t *testing.T) {
	t.Parallel()

	c := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	_, err := c.VoicePreview(context.Background(), "Puck")
	if err == nil || !strings.HasPrefix(err.Error(), "Error: ttsPreview failed with status 502") {
		t.Errorf("err = %v", err)
	}
}

func TestClient_MissingReport(t *testing.T) {
	t.Parallel()

	c := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"report":null}`))
	}))
	_, err := c.GenerateReport(context.Background(), nil, nil, nil, "")
	if err == nil || err.Error() != "Error: Invalid report response from server" {
		t.Errorf("err = %v", err)
	}
}

func TestClient_NullAudio(t *testing.T) {
	t.Parallel()

	svc := newService(t, &mock.Evaluator{}, report.WithSynthesizer(&mock.Synthesizer{}))
	c := newServer(t, report.NewHandler(svc, report.Limits{}, testMetrics(t)))
	pcm, err := c.VoicePreview(context.Background(), "Puck")
	if err != nil || pcm != nil {
		t.Errorf("VoicePreview() = %v, %v; want nil, nil", pcm, err)
	}
}
