// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

package mirror

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kiiteitte/kiiteitte/internal/logging"
	"github.com/kiiteitte/kiiteitte/internal/models"
)

// datasetRow is one jsonl line in the public dataset. The row id is internal
// and not exported.
type datasetRow struct {
	VideoID           string `json:"video_id"`
	Title             string `json:"title"`
	Author            string `json:"author"`
	Thumbnail         string `json:"thumbnail"`
	Date              string `json:"date"`
	NewFaves          int    `json:"new_faves"`
	Spins             int    `json:"spins"`
	PickupUserURL     string `json:"pickup_user_url"`
	PickupUserName    string `json:"pickup_user_name"`
	PickupUserIcon    string `json:"pickup_user_icon"`
	PickupPlaylistURL string `json:"pickup_playlist_url"`
}

// DatasetSink appends plays to a git-backed jsonl dataset, one file per
// month under histories/<year>/<month>.jsonl, and pushes at most once per
// commit interval.
type DatasetSink struct {
	repoURL        string
	dir            string
	commitInterval time.Duration
}

// NewDatasetSink creates a DatasetSink for the given remote and working
// directory.
func NewDatasetSink(repoURL, dir string, commitInterval time.Duration) *DatasetSink {
	return &DatasetSink{
		repoURL:        repoURL,
		dir:            dir,
		commitInterval: commitInterval,
	}
}

// Name identifies the sink in logs and metrics.
func (d *DatasetSink) Name() string { return "dataset" }

// Setup clones the dataset repository if the working directory does not
// exist yet and configures the commit identity.
func (d *DatasetSink) Setup(ctx context.Context) error {
	if _, err := os.Stat(d.dir); err == nil {
		logging.Info().Str("dir", d.dir).Msg("Dataset repository already cloned")
		return nil
	}

	logging.Info().Str("repo", d.repoURL).Str("dir", d.dir).Msg("Cloning dataset repository")
	if _, err := d.git(ctx, "", "clone", d.repoURL, d.dir, "--depth=1"); err != nil {
		return fmt.Errorf("failed to clone dataset repository: %w", err)
	}
	if _, err := d.git(ctx, d.dir, "config", "user.email", "kiiteitte@kiiteitte.net"); err != nil {
		return err
	}
	if _, err := d.git(ctx, d.dir, "config", "user.name", "Kiiteitte"); err != nil {
		return err
	}
	return nil
}

// Handle appends one history row to its month file and commits and pushes
// when the last commit is older than the commit interval.
func (d *DatasetSink) Handle(ctx context.Context, h *models.History) error {
	if _, err := d.git(ctx, d.dir, "pull", "--autostash", "--rebase"); err != nil {
		logging.Warn().Err(err).Msg("Dataset pull failed, appending anyway")
	}

	if err := d.appendRow(h); err != nil {
		return err
	}
	return d.maybeCommit(ctx)
}

func (d *DatasetSink) appendRow(h *models.History) error {
	date := h.Date.UTC()
	dir := filepath.Join(d.dir, "histories", strconv.Itoa(date.Year()))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}
	file := filepath.Join(dir, fmt.Sprintf("%02d.jsonl", int(date.Month())))

	line, err := json.Marshal(datasetRow{
		VideoID:           h.VideoID,
		Title:             h.Title,
		Author:            h.Author,
		Thumbnail:         h.Thumbnail,
		Date:              formatMirrorDate(h.Date),
		NewFaves:          h.NewFaves,
		Spins:             h.Spins,
		PickupUserURL:     h.PickupUserURL,
		PickupUserName:    h.PickupUserName,
		PickupUserIcon:    h.PickupUserIcon,
		PickupPlaylistURL: h.PickupPlaylistURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dataset row: %w", err)
	}

	f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 - path derived from config
	if err != nil {
		return fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append dataset row: %w", err)
	}
	return nil
}

// maybeCommit commits and pushes pending rows unless the previous commit is
// newer than the commit interval.
func (d *DatasetSink) maybeCommit(ctx context.Context) error {
	out, err := d.git(ctx, d.dir, "log", "-1", "--format=%ct")
	if err == nil {
		if unix, parseErr := strconv.ParseInt(strings.TrimSpace(out), 10, 64); parseErr == nil {
			last := time.Unix(unix, 0)
			if time.Since(last) < d.commitInterval {
				logging.Debug().Time("last_commit", last).Msg("Skipping dataset commit, interval not elapsed")
				return nil
			}
		}
	}

	if _, err := d.git(ctx, d.dir, "add", "."); err != nil {
		return fmt.Errorf("failed to stage dataset changes: %w", err)
	}
	if _, err := d.git(ctx, d.dir, "commit", "-m", "chore: 自動更新"); err != nil {
		// Nothing staged since the last push.
		logging.Debug().Msg("No dataset changes to commit")
		return nil
	}
	if _, err := d.git(ctx, d.dir, "push"); err != nil {
		return fmt.Errorf("failed to push dataset: %w", err)
	}
	logging.Info().Msg("Dataset pushed")
	return nil
}

// git runs one git command, returning combined output.
func (d *DatasetSink) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, firstLine(string(out)))
	}
	return string(out), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
