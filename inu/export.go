package inu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/yaml.v3"
)

// TagExport is the YAML document written by ExportTags
type TagExport struct {
	ExportedAt time.Time `yaml:"exported_at"`
	Version    string    `yaml:"version"`
	Tags       []Tag     `yaml:"tags"`
}

// ImportReport summarizes an ImportTags run
type ImportReport struct {
	Imported int
	Skipped  int
}

func (r ImportReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("imported", r.Imported),
		slog.Int("skipped", r.Skipped),
	)
}

// ExportTags writes the tags in scope (or every tag, if scope is empty)
// to w as YAML. It returns the number of tags written.
func ExportTags(ctx context.Context, store *TagStore, scope Scope, w io.Writer) (int, error) {
	tags := store.All(ctx)
	if scope != "" {
		tags = store.List(ctx, scope, "")
	}

	doc := TagExport{
		ExportedAt: time.Now().UTC(),
		Version:    Version,
		Tags:       []Tag{},
	}
	for tag, err := range tags {
		if err != nil {
			return 0, err
		}
		doc.Tags = append(doc.Tags, tag)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("encoding tags: %w", err)
	}
	return len(doc.Tags), nil
}

// ImportTags restores the tags from a YAML export read from r. Tags
// whose names are already taken, or which fail validation, are skipped
// and logged. Other errors stop the import.
func ImportTags(
	ctx context.Context,
	store *TagStore,
	r io.Reader,
	logger *slog.Logger,
) (ImportReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		doc    TagExport
		report ImportReport
	)
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return report, nil
		}
		return report, fmt.Errorf("decoding tags: %w", err)
	}

	for _, tag := range doc.Tags {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, err := store.Restore(ctx, tag)
		switch {
		case err == nil:
			report.Imported++
		case errors.Is(err, ErrNameTaken), errors.Is(err, ErrInvalid):
			report.Skipped++
			logger.WarnContext(ctx, "skipped tag", "tag", tag, tint.Err(err))
		default:
			return report, err
		}
	}
	logger.InfoContext(ctx, "imported tags", "report", report)
	return report, nil
}
