package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"paperflow/internal/aws"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"
)

// maxDocumentBytes caps a single fetched document at 50 MiB
const maxDocumentBytes = 50 << 20

// FetchedDocument is the raw file plus the content attributes derived from it
type FetchedDocument struct {
	Data      []byte
	Hash      string
	Size      int64
	PageCount int
}

// Fetcher retrieves document bytes from an origin URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// OriginFetcher fetches http(s):// origins directly and s3:// origins through
// the file service. A nil file service rejects s3 origins.
type OriginFetcher struct {
	httpClient *http.Client
	files      aws.FileService
}

// NewOriginFetcher creates a fetcher for http(s) and s3 document origins
func NewOriginFetcher(files aws.FileService) *OriginFetcher {
	return &OriginFetcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		files:      files,
	}
}

// Fetch downloads the document and derives its hash, size and page count.
// All failures are returned as ClassifiedError so callers can map them to
// the error taxonomy without inspecting causes.
func (f *OriginFetcher) Fetch(ctx context.Context, url string) (*FetchedDocument, error) {
	var data []byte
	var err error

	switch {
	case strings.HasPrefix(url, "s3://"):
		if f.files == nil {
			return nil, NewDownloadError("fetch", fmt.Errorf("s3 origin %s but no file service configured", url))
		}
		data, err = f.files.DownloadFile(ctx, url)
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		data, err = f.fetchHTTP(ctx, url)
	default:
		return nil, NewDownloadError("fetch", fmt.Errorf("unsupported origin scheme in %s", url))
	}
	if err != nil {
		return nil, NewDownloadError("fetch", err)
	}

	sum := sha256.Sum256(data)

	doc := &FetchedDocument{
		Data: data,
		Hash: hex.EncodeToString(sum[:]),
		Size: int64(len(data)),
	}

	// Page count failure means the bytes are not a readable PDF, which is a
	// download-class problem: the origin served something unusable.
	pages, err := pageCount(data)
	if err != nil {
		return nil, NewDownloadError("validate", fmt.Errorf("invalid PDF from %s: %w", url, err))
	}
	doc.PageCount = pages

	log.Debug().
		Str("url", url).
		Int64("size", doc.Size).
		Int("pages", doc.PageCount).
		Str("hash", doc.Hash[:12]).
		Msg("Fetched document")

	return doc, nil
}

func (f *OriginFetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("origin returned status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", url, err)
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("document at %s exceeds %d byte limit", url, maxDocumentBytes)
	}

	return data, nil
}

func pageCount(data []byte) (int, error) {
	cfg := pdfmodel.NewDefaultConfiguration()
	cfg.ValidationMode = pdfmodel.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), cfg)
}
