package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
	"github.com/spf13/cobra"
)

const (
	importBatchSize = 500
	maxLineBytes    = 1 << 20
)

// signalRecord is one line of an import file: a signal, optionally carrying
// the article it was extracted from.
type signalRecord struct {
	models.Signal
	Article *models.Article `json:"article,omitempty"`
}

// signalImporter is the persistence an import needs.
type signalImporter interface {
	store.SignalWriter
	store.ArticleWriter
}

type importReport struct {
	Lines    int `json:"lines"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"` // valid but already present
	Rejected int `json:"rejected"`
	Articles int `json:"articles"`
}

func importSignalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-signals <file.jsonl>",
		Short: "Validate and store extracted signals from a JSON Lines file",
		Long: "Reads one signal per line. Records missing a timestamp, incident type, " +
			"region or article id are reported and skipped; the rest are inserted. " +
			"Use - to read from stdin.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			report, err := importSignals(cmd.Context(), a.store, in, a.logger)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		},
	}
	return cmd
}

// importSignals reads JSON Lines from r. Invalid records are logged and
// counted; only I/O and persistence errors abort the import.
func importSignals(ctx context.Context, dst signalImporter, r io.Reader, logger *slog.Logger) (importReport, error) {
	var report importReport
	batch := make([]models.Signal, 0, importBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := dst.InsertSignals(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert signals: %w", err)
		}
		report.Inserted += n
		report.Skipped += len(batch) - n
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0 // physical line in the file, blank lines included
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		report.Lines++

		var rec signalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			report.Rejected++
			logger.Warn("skipping malformed signal record", "line", lineNo, "error", err)
			continue
		}
		if err := rec.Signal.Validate(); err != nil {
			report.Rejected++
			logger.Warn("skipping invalid signal", "line", lineNo, "signal_id", rec.ID, "error", err)
			continue
		}

		if rec.Article != nil {
			if rec.Article.ID == "" {
				rec.Article.ID = rec.ArticleID
			}
			if err := dst.UpsertArticle(ctx, *rec.Article); err != nil {
				return report, fmt.Errorf("upsert article %s: %w", rec.Article.ID, err)
			}
			report.Articles++
		}

		batch = append(batch, rec.Signal)
		if len(batch) == importBatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("read signals: %w", err)
	}
	if err := flush(); err != nil {
		return report, err
	}

	logger.Info("signal import complete",
		"lines", report.Lines,
		"inserted", report.Inserted,
		"skipped", report.Skipped,
		"rejected", report.Rejected)
	return report, nil
}
