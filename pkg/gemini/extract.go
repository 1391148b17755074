package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"paperflow/internal/model"
)

// Extraction is one operation's outcome against a document
type Extraction struct {
	Raw        string
	Parsed     map[string]any
	Model      string
	TokensUsed int
}

// ParseError marks a response that came back but could not be decoded as the
// expected JSON object.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("error parsing model response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

const (
	metadataPrompt = `Extract bibliographic metadata from the attached PDF document.
Return a single JSON object with these keys: "title", "authors" (array of
strings), "abstract", "publication_year", "journal", "doi", "keywords"
(array of strings). Use null for anything the document does not state.
Return only the JSON object, no prose.`

	referencesPrompt = `Extract the reference list from the attached PDF document.
Return a single JSON object {"references": [...]} where each entry has
"raw_text", "title", "authors" (array of strings), "year", "doi". Use null
for fields a reference does not state. Return only the JSON object, no prose.`

	fullTextPrompt = `Extract the complete body text of the attached PDF document.
Return a single JSON object {"full_text": "...", "sections": [{"heading",
"text"}]}. Preserve paragraph breaks with newlines. Return only the JSON
object, no prose.`

	completeReferencesPrompt = `Extract the reference list from the attached PDF document.
Return a single JSON object {"references": [...], "total_references": N,
"has_more": bool} where each reference entry has "raw_text", "title",
"authors" (array of strings), "year", "doi". Use null for fields a reference
does not state. Count every reference in the document for "total_references";
set "has_more" to true when this response does not include all of them.
Return only the JSON object, no prose.`

	continueReferencesPrompt = `Continue extracting the reference list from the attached PDF document.
You have already returned references 1 through %d of about %d total.
Continue from reference %d. Return a single JSON object {"references": [...],
"total_references": N, "has_more": bool} with the same entry fields as
before; return an empty "references" array if none remain. Return only the
JSON object, no prose.`
)

// maxReferenceContinuations caps follow-up calls for one document so a model
// that never reports completion cannot burn the rate budget
const maxReferenceContinuations = 15

func promptFor(op model.Operation) (string, error) {
	switch op {
	case model.OpMetadata:
		return metadataPrompt, nil
	case model.OpReferences:
		return referencesPrompt, nil
	case model.OpFullText:
		return fullTextPrompt, nil
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

// Extract runs one extraction operation against the PDF bytes. The document
// travels inline, base64-encoded, alongside the operation prompt.
func (c *Client) Extract(ctx context.Context, op model.Operation, pdf []byte) (*Extraction, error) {
	prompt, err := promptFor(op)
	if err != nil {
		return nil, err
	}
	return c.generateExtraction(ctx, base64.StdEncoding.EncodeToString(pdf), prompt)
}

// ExtractCompleteReferences runs the references operation in continuation
// mode: the initial call asks the model to report how many references the
// document holds, and follow-up calls resume from the last returned entry
// until the model reports completion or the continuation budget runs out.
func (c *Client) ExtractCompleteReferences(ctx context.Context, pdf []byte) (*Extraction, error) {
	encoded := base64.StdEncoding.EncodeToString(pdf)

	extraction, err := c.generateExtraction(ctx, encoded, completeReferencesPrompt)
	if err != nil {
		return extraction, err
	}

	refs, total, hasMore := referencesPage(extraction.Parsed)
	raw := extraction.Raw
	tokens := extraction.TokensUsed

	for round := 0; round < maxReferenceContinuations; round++ {
		// The model sometimes reports has_more=false while total_references
		// says entries are still missing; keep going either way.
		if !hasMore && (total == 0 || len(refs) >= total) {
			break
		}

		prompt := fmt.Sprintf(continueReferencesPrompt, len(refs), total, len(refs)+1)
		followup, err := c.generateExtraction(ctx, encoded, prompt)
		if followup != nil {
			tokens += followup.TokensUsed
		}
		if err != nil {
			return nil, err
		}

		more, pageTotal, pageHasMore := referencesPage(followup.Parsed)
		if pageTotal > total {
			total = pageTotal
		}
		if len(more) == 0 {
			break
		}

		refs = append(refs, more...)
		raw += "\n" + followup.Raw
		hasMore = pageHasMore
	}

	return &Extraction{
		Raw:        raw,
		Parsed:     map[string]any{"references": refs, "total_references": total},
		Model:      c.model,
		TokensUsed: tokens,
	}, nil
}

// referencesPage pulls the continuation envelope out of one parsed response
func referencesPage(parsed map[string]any) (refs []any, total int, hasMore bool) {
	if list, ok := parsed["references"].([]any); ok {
		refs = list
	}
	if n, ok := parsed["total_references"].(float64); ok {
		total = int(n)
	}
	if b, ok := parsed["has_more"].(bool); ok {
		hasMore = b
	}
	return refs, total, hasMore
}

func (c *Client) generateExtraction(ctx context.Context, encodedPDF, prompt string) (*Extraction, error) {
	req := generateRequest{
		Contents: []content{{
			Parts: []part{
				{InlineData: &inlineData{
					MimeType: "application/pdf",
					Data:     encodedPDF,
				}},
				{Text: prompt},
			},
		}},
	}

	resp, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := firstText(resp)
	if raw == "" {
		return nil, &ParseError{Err: fmt.Errorf("response contained no candidate text")}
	}

	parsed, err := decodeJSONObject(raw)
	if err != nil {
		return &Extraction{
			Raw:        raw,
			Model:      c.model,
			TokensUsed: resp.UsageMetadata.TotalTokenCount,
		}, &ParseError{Err: err}
	}

	return &Extraction{
		Raw:        raw,
		Parsed:     parsed,
		Model:      c.model,
		TokensUsed: resp.UsageMetadata.TotalTokenCount,
	}, nil
}

func firstText(resp *generateResponse) string {
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}

// decodeJSONObject tolerates the model wrapping its JSON in a markdown code
// fence, which Gemini does routinely despite the prompt.
func decodeJSONObject(raw string) (map[string]any, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
