package jobspec

// Document is the export settings document handed to the tool with -e.
type Document map[string]any

// Build returns the render export settings for job. It is pure: the same job
// always yields an identical document.
func Build(job ExportJob) Document {
	class, name := "export-mov", "MOV"
	if job.Format == FormatAVI {
		class, name = "export-avi", "AVI"
	}

	outputType := "singleFile"
	if job.OutputMode == OutputPerUnit {
		outputType = "filePerAnimation"
	}

	skeletonType := "all"
	if job.Unit != "" {
		skeletonType = "single"
	}

	g := geometryFor(job.Width, job.Height, job.Viewport)
	bg := ResolveBackground(job.Background)

	doc := Document{
		"class":         class,
		"name":          name,
		"open":          false,
		"exportType":    "animation",
		"skeletonType":  skeletonType,
		"animationType": "all",
		"skinType":      "current",
		"maxBounds":     false,

		"renderImages":    true,
		"renderBones":     false,
		"renderOthers":    false,
		"linearFiltering": true,
		"scale":           100,

		"fitWidth":   g.fitWidth,
		"fitHeight":  g.fitHeight,
		"enlarge":    g.enlarge,
		"pad":        g.pad,
		"cropX":      g.cropX,
		"cropY":      g.cropY,
		"cropWidth":  g.cropWidth,
		"cropHeight": g.cropHeight,

		"background": map[string]any{"r": bg.R, "g": bg.G, "b": bg.B, "a": bg.A},
		"fps":        job.FPS,
		"lastFrame":  false,
		"rangeStart": -1,
		"rangeEnd":   -1,
		"msaa":       0,
		"outputType": outputType,

		"animationRepeat": 1,
		"animationPause":  0.0,
		"encoding":        "PNG",
		"quality":         0,
		"compression":     6,
		"audio":           false,
	}
	if job.Unit != "" {
		doc["skeleton"] = job.Unit
	}
	return doc
}

// BuildDiscovery returns the metadata-only settings used for probe runs: the
// tool writes one JSON descriptor per skeleton and renders nothing.
func BuildDiscovery() Document {
	return Document{
		"class":         "export-json",
		"name":          "JSON",
		"open":          false,
		"skeletonType":  "all",
		"animationType": "all",
		"skinType":      "current",
	}
}

type geometry struct {
	fitWidth, fitHeight int
	pad, enlarge        bool
	cropX, cropY        int
	cropWidth           int
	cropHeight          int
}

// geometryFor computes fit or crop fields. Fixed mode crops exactly w x h,
// anchored at (-w/2, -h/2) when centered, else at the explicit offset. Fit
// mode lets the tool fit, pad and enlarge, ignoring offsets.
func geometryFor(w, h int, vp Viewport) geometry {
	if vp.Mode != ViewportFixed {
		return geometry{fitWidth: w, fitHeight: h, pad: true, enlarge: true}
	}
	g := geometry{cropWidth: w, cropHeight: h, cropX: vp.X, cropY: vp.Y}
	if vp.Center {
		g.cropX = floorDiv(-w, 2)
		g.cropY = floorDiv(-h, 2)
	}
	return g
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
