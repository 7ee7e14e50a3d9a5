package outpath

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/heimdex/render-agent/internal/jobspec"
)

const maxUnitNameLen = 120

// Target is a resolved output location. For per-unit exports it is a
// directory the tool fills with one file per animation.
type Target struct {
	Path  string
	IsDir bool
}

// Spec converts the target into the PathSpec form.
func (t Target) Spec() PathSpec {
	if t.IsDir {
		return Directory(t.Path)
	}
	return File(t.Path)
}

// Dir returns the directory output lands in.
func (t Target) Dir() string {
	if t.IsDir {
		return t.Path
	}
	return filepath.Dir(t.Path)
}

// Request carries everything Resolve needs for one job.
type Request struct {
	ProjectPath string
	Unit        string
	Format      jobspec.Format
	Mode        jobspec.OutputMode
	Override    PathSpec
}

// Resolve computes the output target for one job and creates the directory it
// will be written into. File targets are collision-free at the time of the
// call; the tool is the only writer, so the check-then-use is not atomic.
func Resolve(req Request) (Target, error) {
	if req.ProjectPath == "" {
		return Target{}, fmt.Errorf("project path is required")
	}

	projDir := filepath.Dir(req.ProjectPath)
	base := strings.TrimSuffix(filepath.Base(req.ProjectPath), filepath.Ext(req.ProjectPath))
	unit := SanitizeName(req.Unit, maxUnitNameLen)
	suffix := ""
	if unit != "" {
		suffix = "_" + unit
	}

	var t Target
	switch {
	case req.Mode == jobspec.OutputPerUnit:
		t = Target{IsDir: true, Path: filepath.Join(projDir, base+"_"+string(req.Format)+suffix)}
		if !req.Override.IsZero() {
			if dir := req.Override.Dir(); dir != "" && dir != "." {
				t.Path = dir
			}
		}

	case req.Override.IsFile():
		p := req.Override.Path()
		if suffix != "" {
			ext := filepath.Ext(p)
			p = strings.TrimSuffix(p, ext) + suffix + ext
		}
		t = Target{Path: NextAvailable(p)}

	case req.Override.IsDir():
		t = Target{Path: NextAvailable(filepath.Join(req.Override.Path(), base+suffix+req.Format.Ext()))}

	default:
		t = Target{Path: NextAvailable(filepath.Join(projDir, base+suffix+req.Format.Ext()))}
	}

	if err := os.MkdirAll(t.Dir(), 0755); err != nil {
		return Target{}, fmt.Errorf("create output dir: %w", err)
	}
	return t, nil
}

// NextAvailable returns path if nothing exists there, otherwise the first of
// base_1.ext, base_2.ext, ... that is free.
func NextAvailable(path string) string {
	if !exists(path) {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		cand := stem + "_" + strconv.Itoa(i) + ext
		if !exists(cand) {
			return cand
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
