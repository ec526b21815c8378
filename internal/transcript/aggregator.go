// Package transcript turns the stream of partial and final speech-recognition
// events of one call into stable, displayable transcript entries.
//
// Each speaker has at most one live utterance. Partials replace its text,
// a final settles it into the call's history. Short noise artefacts never
// settle, and agent text is held back until it ends a sentence.
//
// The [Aggregator] returns the entries to show in the order the events were
// fed to it; callers feed events from a single goroutine to keep that order.
package transcript

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/starlight/pkg/upstream"
)

// Finality tells how settled an [Entry] is.
type Finality int

const (
	// Partial entries may still change. The UI replaces them in place by ID.
	Partial Finality = iota

	// Final entries are settled and part of the call history.
	Final

	// Retracted marks a partial that was shown but turned out to be noise.
	// The UI removes the entry with the same ID.
	Retracted
)

// String returns the lower-case name of the finality.
func (f Finality) String() string {
	switch f {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Retracted:
		return "retracted"
	default:
		return "unknown"
	}
}

// Entry is one transcript line as shown to the user.
type Entry struct {
	// ID is unique within a call and increases with the order in which
	// utterances were opened, across both speakers.
	ID        uint64
	Speaker   upstream.Speaker
	Text      string
	CreatedAt time.Time
	Finality  Finality
}

// Policy holds the display-hygiene thresholds.
type Policy struct {
	// UserMinRunes is the shortest user text, after trimming, that is shown.
	UserMinRunes int

	// AgentMinRunes is the shortest agent text, after trimming, that is shown.
	AgentMinRunes int

	// TerminalPunctuation lists the runes that end an agent sentence. Agent
	// text not ending in one of them is held instead of settled.
	TerminalPunctuation string
}

// DefaultPolicy returns thresholds tuned for Japanese and English speech.
func DefaultPolicy() Policy {
	return Policy{
		UserMinRunes:        2,
		AgentMinRunes:       4,
		TerminalPunctuation: "。．！？!?.",
	}
}

func (p Policy) minRunes(s upstream.Speaker) int {
	if s == upstream.SpeakerAgent {
		return p.AgentMinRunes
	}
	return p.UserMinRunes
}

// terminal reports whether text ends with a sentence-terminal rune. Closing
// quotes and brackets after the mark are ignored.
func (p Policy) terminal(text string) bool {
	text = strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.Is(unicode.Pe, r) || unicode.Is(unicode.Pf, r)
	})
	r, size := utf8.DecodeLastRuneInString(text)
	if size == 0 {
		return false
	}
	return strings.ContainsRune(p.TerminalPunctuation, r)
}

// utterance is the live accumulation of one speaker.
type utterance struct {
	id        uint64
	createdAt time.Time
	text      string
	held      string // agent text received as final but not yet a sentence
	shown     bool   // a partial entry for this utterance reached the UI
}

// merge combines the held text with newly received text. Cumulative text
// that restates the held prefix replaces it; anything else continues it.
func (u *utterance) merge(text string) string {
	switch {
	case u.held == "":
		return text
	case strings.HasPrefix(text, u.held):
		return text
	default:
		return u.held + text
	}
}

// Aggregator reconstructs the transcript of one call. It is safe for
// concurrent use, but entry order follows call order.
type Aggregator struct {
	mu      sync.Mutex
	policy  Policy
	lastID  uint64
	live    map[upstream.Speaker]*utterance
	history []Entry
}

// New returns an Aggregator applying policy. Zero thresholds in policy fall
// back to [DefaultPolicy].
func New(policy Policy) *Aggregator {
	def := DefaultPolicy()
	if policy.UserMinRunes <= 0 {
		policy.UserMinRunes = def.UserMinRunes
	}
	if policy.AgentMinRunes <= 0 {
		policy.AgentMinRunes = def.AgentMinRunes
	}
	if policy.TerminalPunctuation == "" {
		policy.TerminalPunctuation = def.TerminalPunctuation
	}
	return &Aggregator{
		policy: policy,
		live:   make(map[upstream.Speaker]*utterance, 2),
	}
}

// open returns the live utterance of s, starting one at 'at' if needed.
func (a *Aggregator) open(s upstream.Speaker, at time.Time) *utterance {
	u, ok := a.live[s]
	if !ok {
		a.lastID++
		u = &utterance{id: a.lastID, createdAt: at}
		a.live[s] = u
	}
	return u
}

func (a *Aggregator) entry(s upstream.Speaker, u *utterance, f Finality) Entry {
	return Entry{ID: u.id, Speaker: s, Text: u.text, CreatedAt: u.createdAt, Finality: f}
}

func (a *Aggregator) long(s upstream.Speaker, text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= a.policy.minRunes(s)
}

// Partial records a re-transcription of the speaker's in-progress utterance
// received at 'at'. text replaces the previous partial. It returns the
// partial entry to show, or nothing while the text is still too short.
func (a *Aggregator) Partial(s upstream.Speaker, text string, at time.Time) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	u := a.open(s, at)
	u.text = strings.TrimSpace(u.merge(text))
	if !a.long(s, u.text) {
		return nil
	}
	u.shown = true
	return []Entry{a.entry(s, u, Partial)}
}

// Final settles the speaker's current utterance. An empty text settles
// whatever the last partial said.
//
// It returns the final entry, a retraction when the utterance was shown but
// is too short to keep, or, for agent text that does not yet end a sentence,
// the updated partial it is held as.
func (a *Aggregator) Final(s upstream.Speaker, text string, at time.Time) []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	u := a.open(s, at)
	if text != "" {
		u.text = strings.TrimSpace(u.merge(text))
	}

	if !a.long(s, u.text) {
		delete(a.live, s)
		if u.shown {
			return []Entry{a.entry(s, u, Retracted)}
		}
		return nil
	}

	if s == upstream.SpeakerAgent && !a.policy.terminal(u.text) {
		u.held = u.text
		u.shown = true
		return []Entry{a.entry(s, u, Partial)}
	}

	delete(a.live, s)
	e := a.entry(s, u, Final)
	a.history = append(a.history, e)
	return []Entry{e}
}

// History returns the settled entries in the order they were settled.
func (a *Aggregator) History() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.history))
	copy(out, a.history)
	return out
}

// Live returns the partial entry of each speaker that is currently shown,
// ordered by ID.
func (a *Aggregator) Live() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Entry
	for _, s := range []upstream.Speaker{upstream.SpeakerUser, upstream.SpeakerAgent} {
		if u, ok := a.live[s]; ok && u.shown {
			out = append(out, a.entry(s, u, Partial))
		}
	}
	if len(out) == 2 && out[0].ID > out[1].ID {
		out[0], out[1] = out[1], out[0]
	}
	return out
}
