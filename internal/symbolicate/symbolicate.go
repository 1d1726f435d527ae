package symbolicate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-sourcemap/sourcemap"

	"github.com/glitchtip/backend/internal/event"
)

// contextLines is how many pre/post source lines surround the context line.
const contextLines = 5

// Bundle is one uploaded debug-symbol bundle: a minified file plus its
// source map, keyed either by debug id or by (release, file name).
type Bundle struct {
	ID        int64
	DebugID   string // canonical lowercase UUID, may be empty
	ReleaseID int64  // 0 when keyed by debug id only
	FileName  string // minified file name as uploaded
	CodeFile  string // code_file recorded at upload time
	SourceMap []byte

	once     sync.Once
	consumer *sourcemap.Consumer
	parseErr error
}

// Consumer lazily parses the source map; bundles in a batch that no frame
// selects never pay the parse cost.
func (b *Bundle) Consumer() (*sourcemap.Consumer, error) {
	b.once.Do(func() {
		b.consumer, b.parseErr = sourcemap.Parse(b.FileName+".map", b.SourceMap)
	})
	if b.parseErr != nil {
		return nil, fmt.Errorf("parse sourcemap %s: %w", b.FileName, b.parseErr)
	}
	return b.consumer, nil
}

// BundleSource loads candidate bundles for a batch in one query: bundles in
// the organization matching any of the debug ids, or any (release id, file
// name) pair. Implemented by the store.
type BundleSource interface {
	FetchBundles(ctx context.Context, orgID int64, debugIDs []string, fileNames []string, releaseIDs []int64) ([]*Bundle, error)
}

// Symbolicator rewrites JavaScript stack frames in place.
type Symbolicator struct {
	source BundleSource
	logger *slog.Logger
}

func New(source BundleSource) *Symbolicator {
	return &Symbolicator{
		source: source,
		logger: slog.With("component", "symbolicate"),
	}
}

// Eligible reports whether an event's platform participates in source-map
// resolution.
func Eligible(ev *event.Event) bool {
	return ev.Platform == "javascript" || ev.Platform == "node"
}

// Process resolves all eligible events of one organization against bundles
// fetched in a single query. Returns ids of bundles that resolved at least
// one frame, for the daily last-used refresh.
func (s *Symbolicator) Process(ctx context.Context, orgID int64, events []*event.Event, releaseIDs map[string]int64) ([]int64, error) {
	var debugIDs, fileNames []string
	var relIDs []int64
	seenDebug := map[string]bool{}
	seenFile := map[string]bool{}

	var eligible []*event.Event
	for _, ev := range events {
		if !Eligible(ev) {
			continue
		}
		eligible = append(eligible, ev)
		if ev.DebugMeta != nil {
			for _, img := range ev.DebugMeta.Images {
				id := strings.ToLower(img.DebugID)
				if id != "" && !seenDebug[id] {
					seenDebug[id] = true
					debugIDs = append(debugIDs, id)
				}
			}
		}
		if rel, ok := releaseIDs[ev.Release]; ok && rel != 0 {
			relIDs = append(relIDs, rel)
		}
		for _, exc := range ev.Exception.Values {
			if exc.Stacktrace == nil {
				continue
			}
			for _, f := range exc.Stacktrace.Frames {
				if f.AbsPath == "" {
					continue
				}
				name := Basename(f.AbsPath)
				if name != "" && !seenFile[name] {
					seenFile[name] = true
					fileNames = append(fileNames, name)
				}
			}
		}
	}
	if len(eligible) == 0 || (len(debugIDs) == 0 && len(fileNames) == 0) {
		return nil, nil
	}

	bundles, err := s.source.FetchBundles(ctx, orgID, debugIDs, fileNames, relIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch bundles: %w", err)
	}
	if len(bundles) == 0 {
		return nil, nil
	}

	used := map[int64]bool{}
	for _, ev := range eligible {
		s.symbolicateEvent(ev, bundles, releaseIDs[ev.Release], used)
	}

	out := make([]int64, 0, len(used))
	for id := range used {
		out = append(out, id)
	}
	return out, nil
}

func (s *Symbolicator) symbolicateEvent(ev *event.Event, bundles []*Bundle, releaseID int64, used map[int64]bool) {
	for _, exc := range ev.Exception.Values {
		st := exc.Stacktrace
		if st == nil || len(st.Frames) == 0 {
			continue
		}
		resolvedAny := false
		raw := st.Copy()
		for _, frame := range st.Frames {
			if frame.AbsPath == "" || !frame.Lineno.Valid || !frame.Colno.Valid {
				continue
			}
			bundle := selectBundle(bundles, Basename(frame.AbsPath), releaseID)
			if bundle == nil {
				continue
			}
			if s.resolveFrame(frame, bundle) {
				resolvedAny = true
				used[bundle.ID] = true
			}
		}
		// The untransformed trace is kept only when something changed.
		if resolvedAny {
			exc.RawStacktrace = raw
		}
	}
}

// selectBundle picks the bundle whose minified file name (or recorded
// code_file basename) matches the frame's file. Bundles of the event's
// release win ties.
func selectBundle(bundles []*Bundle, frameFile string, releaseID int64) *Bundle {
	var match *Bundle
	for _, b := range bundles {
		if b.FileName != frameFile && Basename(b.CodeFile) != frameFile {
			continue
		}
		if releaseID != 0 && b.ReleaseID == releaseID {
			return b
		}
		if match == nil {
			match = b
		}
	}
	return match
}

// resolveFrame rewrites one frame via the bundle's source map. Token lines
// and columns are zero-based in the map; frames are one-based.
func (s *Symbolicator) resolveFrame(frame *event.Frame, bundle *Bundle) bool {
	consumer, err := bundle.Consumer()
	if err != nil {
		s.logger.Warn("sourcemap unusable", "bundle_id", bundle.ID, "error", err)
		return false
	}

	source, fn, line, col, ok := consumer.Source(frame.Lineno.Int, frame.Colno.Int-1)
	if !ok || source == "" {
		return false
	}

	frame.Lineno = event.FlexInt{Int: line, Valid: true}
	frame.Colno = event.FlexInt{Int: col + 1, Valid: true}
	if fn != "" {
		frame.Function = fn
	}

	cleaned := CleanPath(source)
	frame.Filename = cleaned
	frame.Module = ModuleName(cleaned)
	if inApp, known := InAppForPath(source); known {
		frame.InApp = &inApp
	}

	if content := consumer.SourceContent(source); content != "" {
		fillContext(frame, content, line)
	}
	return true
}

// fillContext populates context_line plus up to contextLines lines either
// side from the original source. line is one-based.
func fillContext(frame *event.Frame, content string, line int) {
	lines := strings.Split(content, "\n")
	idx := line - 1
	if idx < 0 || idx >= len(lines) {
		return
	}
	frame.ContextLine = lines[idx]

	start := idx - contextLines
	if start < 0 {
		start = 0
	}
	frame.PreContext = append([]string(nil), lines[start:idx]...)

	end := idx + 1 + contextLines
	if end > len(lines) {
		end = len(lines)
	}
	frame.PostContext = append([]string(nil), lines[idx+1:end]...)
}
