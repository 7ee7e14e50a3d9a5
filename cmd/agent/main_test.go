package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/render-agent/internal/export"
	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/outpath"
)

func TestParseExportFlags(t *testing.T) {
	opts, projects, err := parseExportFlags([]string{
		"-units", "walk, run,,idle",
		"-format", "avi",
		"-mode", "per-unit",
		"-output", "/renders/",
		"-width", "640",
		"a.spine", "b.spine",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.spine", "b.spine"}, projects)
	assert.Equal(t, []string{"walk", "run", "idle"}, opts.pickedUnits())

	p, err := opts.params()
	require.NoError(t, err)
	assert.Equal(t, jobspec.FormatAVI, p.Format)
	assert.Equal(t, jobspec.OutputPerUnit, p.OutputMode)
	assert.Equal(t, 640, p.Width)
	assert.Equal(t, 1080, p.Height)
	assert.Equal(t, outpath.KindDirectory, p.Override.Kind())
	assert.Equal(t, 60.0, p.FPS)
	assert.Equal(t, "black", p.Background)
	assert.Equal(t, jobspec.Viewport{Mode: jobspec.ViewportFit, Center: true}, p.Viewport)
}

func TestParseExportFlags_OutputOverride(t *testing.T) {
	tests := []struct {
		output string
		want   outpath.Kind
	}{
		{"/renders/hero.mov", outpath.KindFile},
		{"/renders/hero", outpath.KindDirectory},
		{"/renders/", outpath.KindDirectory},
		{"", outpath.KindNone},
	}
	for _, tt := range tests {
		opts, _, err := parseExportFlags([]string{"-output", tt.output, "a.spine"})
		require.NoError(t, err)
		p, err := opts.params()
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Override.Kind(), tt.output)
	}
}

func TestParseExportFlags_Viewport(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want jobspec.Viewport
	}{
		{"fixed centered", []string{"-fixed"}, jobspec.Viewport{Mode: jobspec.ViewportFixed, Center: true}},
		{"origin implies no centering", []string{"-fixed", "-x", "-40", "-y", "25"},
			jobspec.Viewport{Mode: jobspec.ViewportFixed, HasOffset: true, X: -40, Y: 25}},
		{"center off keeps zero origin", []string{"-fixed", "-center=false"},
			jobspec.Viewport{Mode: jobspec.ViewportFixed, HasOffset: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, _, err := parseExportFlags(append(tt.args, "a.spine"))
			require.NoError(t, err)
			p, err := opts.params()
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Viewport)
		})
	}

	opts, _, err := parseExportFlags([]string{"-fixed", "-center", "-x", "5", "a.spine"})
	require.NoError(t, err)
	_, err = opts.params()
	assert.NoError(t, err, "explicit -center wins and the origin is ignored")
}

func TestParseExportFlags_Errors(t *testing.T) {
	_, _, err := parseExportFlags([]string{"-format", "mov"})
	assert.Error(t, err, "no projects")

	opts, _, err := parseExportFlags([]string{"-format", "gif", "a.spine"})
	require.NoError(t, err)
	_, err = opts.params()
	assert.ErrorIs(t, err, jobspec.ErrInvalidJob)

	opts, _, err = parseExportFlags([]string{"-fps", "0", "a.spine"})
	require.NoError(t, err)
	_, err = opts.params()
	assert.ErrorIs(t, err, jobspec.ErrInvalidJob)
}

func TestRun_UnknownCommand(t *testing.T) {
	assert.ErrorContains(t, run([]string{"bogus"}), "unknown command")
}

func TestCLIReporter(t *testing.T) {
	var out, status bytes.Buffer
	c := &cliReporter{out: &out, status: &status}

	c.JobStatus("1/2 • Exporting: hero.spine • Size: 1 kB")
	c.JobStatus("1/2 • Exporting: hero.spine")
	c.JobFinished(export.JobResult{Job: export.Job{Seq: 1, Project: "/p/hero.spine"}, Outcome: export.OutcomeSuccess, OutputPath: "/p/hero.mov"})
	c.BatchFinished(export.BatchResult{Total: 2, Canceled: true, Jobs: []export.JobResult{{Outcome: export.OutcomeSuccess}}})

	assert.Equal(t, "Exported hero.spine to /p/hero.mov\n1 of 2 exported, canceled\n", out.String())
	assert.Contains(t, status.String(), "\r1/2 • Exporting: hero.spine ")
}
