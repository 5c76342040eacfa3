package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/internal/session"
	"github.com/MrWong99/rehearsal/pkg/types"
)

// Printer renders session notifications as terminal lines. It implements
// [session.Observer] and is safe for concurrent use.
type Printer struct {
	mu       sync.Mutex
	out      io.Writer
	persona  string
	elapsed  time.Duration
	presence session.Presence
	verbose  bool
}

var _ session.Observer = (*Printer)(nil)

// NewPrinter returns a Printer writing to out. With verbose set, presence
// changes are printed as well.
func NewPrinter(out io.Writer, verbose bool) *Printer {
	return &Printer{out: out, persona: "Persona", verbose: verbose}
}

// SetPersona sets the speaker label used for persona messages.
func (p *Printer) SetPersona(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name = strings.TrimSpace(name); name != "" {
		p.persona = name
	}
	p.elapsed = 0
}

// Printf writes one formatted line.
func (p *Printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Lines writes each line as is.
func (p *Printer) Lines(lines []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		fmt.Fprintln(p.out, l)
	}
}

func (p *Printer) StateChanged(s session.State) {
	switch s {
	case session.StateRinging:
		p.Printf("* incoming call, /accept or /decline")
	case session.StateConnecting:
		p.Printf("* connecting...")
	case session.StateActive:
		p.Printf("* connected, start talking or type a message")
	case session.StateEnded:
		p.Printf("* session ended")
	}
}

func (p *Printer) PresenceChanged(pr session.Presence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = pr
	if p.verbose {
		fmt.Fprintf(p.out, "  (%s is %s)\n", p.persona, pr)
	}
}

// PreviewChanged is ignored; only finalized messages are printed.
func (p *Printer) PreviewChanged(string, string) {}

func (p *Printer) MessageAppended(m types.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	who := "You"
	if m.Role == types.RoleModel {
		who = p.persona
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", session.FormatElapsed(p.elapsed), who, m.Text)
}

func (p *Printer) ElapsedChanged(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elapsed = d
}

func (p *Printer) Failed(err error) {
	p.Printf("! %v", err)
}

// Elapsed returns the last elapsed time reported by the session.
func (p *Printer) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elapsed
}

// Report prints an evaluation report.
func (p *Printer) Report(r *report.EvaluationReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	WriteReport(p.out, r)
}

// WriteReport renders r as plain text.
func WriteReport(w io.Writer, r *report.EvaluationReport) {
	if r == nil {
		return
	}
	fmt.Fprintln(w, "── Report ──")
	fmt.Fprintf(w, "Score:     %.1f / 10\n", r.Score)
	if r.Sentiment != "" {
		fmt.Fprintf(w, "Sentiment: %s\n", r.Sentiment)
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", r.Summary)
	}

	b := r.BehavioralAnalysis
	if b.Notes != "" || b.ConsistencyScore != 0 {
		fmt.Fprintf(w, "\nBehaviour: consistency %.1f, average latency %.1fs\n", b.ConsistencyScore, b.AverageLatency)
		if b.Notes != "" {
			fmt.Fprintf(w, "  %s\n", b.Notes)
		}
	}
	c := r.ContentAnalysis
	if c.Depth != "" || c.MatchWithContext != "" || c.Accuracy != 0 {
		fmt.Fprintf(w, "\nContent: accuracy %.1f\n", c.Accuracy)
		if c.Depth != "" {
			fmt.Fprintf(w, "  Depth: %s\n", c.Depth)
		}
		if c.MatchWithContext != "" {
			fmt.Fprintf(w, "  Context: %s\n", c.MatchWithContext)
		}
	}

	f := r.ParticipantFeedback
	if f.MainFeedback != "" {
		fmt.Fprintf(w, "\nFeedback: %s\n", f.MainFeedback)
	}
	for _, tip := range f.Tips {
		fmt.Fprintf(w, "  - %s\n", tip)
	}
}
