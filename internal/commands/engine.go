package commands

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Output collects what a command produces.
type Output interface {
	Add(msg string)
}

// Window is an Output that keeps messages in memory.
type Window struct {
	mu    sync.Mutex
	parts []string
}

func (w *Window) Add(msg string) {
	w.mu.Lock()
	w.parts = append(w.parts, msg)
	w.mu.Unlock()
}

// Collect joins everything added so far.
func (w *Window) Collect() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.parts, "")
}

// Engine answers a text command. It reports whether anything handled it.
type Engine interface {
	Handle(msg string, talk bool, out Output) bool
}

// Extension is one keyword matcher. Lower priority values run first.
type Extension interface {
	Name() string
	Priority() int
	Match(msg string, talk bool, out Output) bool
}

// KeywordEngine tries its extensions in priority order; the first match wins.
type KeywordEngine struct {
	exts []Extension
}

func NewKeywordEngine(exts ...Extension) *KeywordEngine {
	sorted := make([]Extension, 0, len(exts))
	for _, ext := range exts {
		if ext != nil {
			sorted = append(sorted, ext)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &KeywordEngine{exts: sorted}
}

// DefaultEngine carries the built-in extensions.
func DefaultEngine() *KeywordEngine {
	return NewKeywordEngine(NewDateTime(nil), Echo{})
}

func (e *KeywordEngine) Handle(msg string, talk bool, out Output) bool {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return false
	}
	for _, ext := range e.exts {
		if ext.Match(msg, talk, out) {
			log.Debug().
				Str("extension", ext.Name()).
				Bool("talk", talk).
				Msg("commands.KeywordEngine.Handle matched")
			return true
		}
	}
	return false
}

// Extensions lists extension names in the order they are tried.
func (e *KeywordEngine) Extensions() []string {
	out := make([]string, 0, len(e.exts))
	for _, ext := range e.exts {
		out = append(out, ext.Name())
	}
	return out
}

// HasKeyword reports whether any keyword appears as a whole word in msg.
func HasKeyword(msg string, keywords ...string) bool {
	words := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	for _, w := range words {
		for _, k := range keywords {
			if w == k {
				return true
			}
		}
	}
	return false
}
