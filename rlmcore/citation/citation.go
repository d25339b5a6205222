// Package citation derives and verifies checksummed citations.
//
// Derivation never trusts the program: a candidate range must be covered by
// the step's sealed span log, and the checksum is recomputed from canonical
// bytes read through the artifact reader. Verification reproduces the
// checksum from stored artifacts alone.
package citation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/observability"
	"github.com/0xfauzi/rlm-core/rlmcore/sandbox"
	"github.com/0xfauzi/rlm-core/rlmcore/spanlog"
)

// DefaultPreviewBytes is the cap on preview context around a cited range.
const DefaultPreviewBytes = 240

// SpanRef is a persisted citation: document + range + sha256 of the
// referenced bytes + a short canonical preview.
type SpanRef struct {
	DocumentID string `json:"doc_id"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	SHA256     string `json:"sha256"`
	Preview    string `json:"preview"`
}

// UnseenSpanError is raised for a candidate citing bytes the program never
// read. It fails the execution, not merely the step.
type UnseenSpanError struct {
	DocumentID string
	Start      uint64
	End        uint64
}

func (e *UnseenSpanError) Error() string {
	return fmt.Sprintf("UnseenSpan: [%d, %d) of document %s is not covered by the span log",
		e.Start, e.End, e.DocumentID)
}

var tracer = otel.Tracer("rlm-core/citation")

// Engine derives SpanRefs from span logs and verifies them on demand.
type Engine struct {
	reader       artifact.CanonicalReader
	previewBytes int
}

// NewEngine creates an Engine. previewBytes <= 0 selects the default.
func NewEngine(reader artifact.CanonicalReader, previewBytes int) *Engine {
	if previewBytes <= 0 {
		previewBytes = DefaultPreviewBytes
	}
	return &Engine{reader: reader, previewBytes: previewBytes}
}

// Derive converts FINAL candidates plus the sealed span log into SpanRefs.
// Exact duplicates collapse to one ref; partial overlaps stay distinct.
func (e *Engine) Derive(ctx context.Context, log *spanlog.Log, candidates []sandbox.SpanCandidate) ([]SpanRef, error) {
	ctx, span := tracer.Start(ctx, "citation.derive")
	defer span.End()

	seen := make(map[string]bool)
	refs := make([]SpanRef, 0, len(candidates))

	for _, cand := range candidates {
		if !log.Covers(cand.DocumentID, cand.Start, cand.End) {
			return nil, &UnseenSpanError{
				DocumentID: cand.DocumentID,
				Start:      cand.Start,
				End:        cand.End,
			}
		}

		key := fmt.Sprintf("%s|%d|%d", cand.DocumentID, cand.Start, cand.End)
		if seen[key] {
			continue
		}
		seen[key] = true

		payload, err := e.reader.Read(ctx, cand.DocumentID, cand.Start, cand.End)
		if err != nil {
			return nil, err
		}
		preview, err := e.preview(ctx, cand.DocumentID, cand.Start, cand.End)
		if err != nil {
			return nil, err
		}

		refs = append(refs, SpanRef{
			DocumentID: cand.DocumentID,
			Start:      cand.Start,
			End:        cand.End,
			SHA256:     artifact.SHA256Hex(payload),
			Preview:    preview,
		})
	}

	return refs, nil
}

// Verify re-reads the canonical bytes for ref and reports valid iff the
// recomputed sha256 matches and the read length equals end-start.
func (e *Engine) Verify(ctx context.Context, ref SpanRef) (bool, error) {
	ctx, span := tracer.Start(ctx, "citation.verify")
	defer span.End()

	payload, err := e.reader.Read(ctx, ref.DocumentID, ref.Start, ref.End)
	if err != nil {
		observability.RecordCitationVerification("error")
		return false, err
	}

	valid := uint64(len(payload)) == ref.End-ref.Start && artifact.SHA256Hex(payload) == ref.SHA256
	if valid {
		observability.RecordCitationVerification("valid")
	} else {
		observability.RecordCitationVerification("invalid")
	}
	return valid, nil
}

// preview extracts up to previewBytes of canonical context around the
// range, expanded symmetrically and truncated on UTF-8 boundaries.
func (e *Engine) preview(ctx context.Context, docID string, start, end uint64) (string, error) {
	length, err := e.reader.Length(ctx, docID)
	if err != nil {
		return "", err
	}

	window := uint64(e.previewBytes)
	lo, hi := start, end
	if hi-lo >= window {
		hi = lo + window
	} else {
		margin := (window - (hi - lo)) / 2
		if lo > margin {
			lo -= margin
		} else {
			lo = 0
		}
		hi += window - (end - start) - (start - lo)
		if hi > length {
			hi = length
		}
	}

	body, err := e.reader.Read(ctx, docID, lo, hi)
	if err != nil {
		return "", err
	}

	body = trimToUTF8Boundaries(body, lo > 0, hi < length)
	return strings.ToValidUTF8(string(body), "�"), nil
}

// trimToUTF8Boundaries drops partial runes at either cut edge. Edges that
// coincide with the document boundary are left alone.
func trimToUTF8Boundaries(body []byte, cutLeft, cutRight bool) []byte {
	if cutLeft {
		for len(body) > 0 && !utf8.RuneStart(body[0]) {
			body = body[1:]
		}
	}
	if cutRight {
		for len(body) > 0 {
			r, size := utf8.DecodeLastRune(body)
			if r == utf8.RuneError && size == 1 {
				body = body[:len(body)-1]
				continue
			}
			break
		}
	}
	return body
}
