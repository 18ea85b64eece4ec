// Package pdf splits a source PDF into single-page PDFs.
package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrInvalidPDF is returned when the source cannot be parsed even in relaxed mode.
var ErrInvalidPDF = eris.New("pdf: invalid document")

// Splitter splits a document into pages, in page order.
type Splitter interface {
	Split(ctx context.Context, source []byte) ([][]byte, error)
}

// Hash is the hex sha256 of a file's bytes.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Pdfcpu optimizes and splits in a scratch directory.
type Pdfcpu struct {
	TempDir string
}

// NewPdfcpu splits under tempDir, or the system temp directory when empty.
func NewPdfcpu(tempDir string) *Pdfcpu {
	return &Pdfcpu{TempDir: tempDir}
}

func (p *Pdfcpu) Split(ctx context.Context, source []byte) ([][]byte, error) {
	tempDir, err := os.MkdirTemp(p.TempDir, "pdf-splitter-*")
	if err != nil {
		return nil, eris.Wrap(err, "pdf: create temp dir")
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, source, 0o600); err != nil {
		return nil, eris.Wrap(err, "pdf: write source")
	}

	optimizedPath := filepath.Join(tempDir, "optimized.pdf")
	if err := optimizePDF(sourcePath, optimizedPath); err != nil {
		return nil, eris.Wrapf(ErrInvalidPDF, "validate/optimize: %v", err)
	}
	pageCount, err := api.PageCountFile(optimizedPath)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidPDF, "page count: %v", err)
	}
	if pageCount == 0 {
		return nil, eris.Wrap(ErrInvalidPDF, "document has no pages")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := api.SplitFile(optimizedPath, tempDir, 1, nil); err != nil {
		return nil, eris.Wrap(err, "pdf: split")
	}

	pages := make([][]byte, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		data, err := os.ReadFile(pageFile(optimizedPath, i))
		if err != nil {
			return nil, eris.Wrapf(err, "pdf: read page %d", i)
		}
		pages = append(pages, data)
	}
	zap.L().Debug("pdf: split complete", zap.Int("pageCount", pageCount))
	return pages, nil
}

// pageFile is the name pdfcpu gives page n when splitting base.pdf.
func pageFile(optimizedPath string, n int) string {
	base := strings.TrimSuffix(optimizedPath, filepath.Ext(optimizedPath))
	return fmt.Sprintf("%s_%d.pdf", base, n)
}

func optimizePDF(inPath, outPath string) error {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return api.OptimizeFile(inPath, outPath, cfg)
}
