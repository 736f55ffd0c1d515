package artifacts

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"slothify/internal/config"
)

// Models shipped with every Real-ESRGAN release zip, reported when no
// installed model files can be found yet.
var defaultUpscalerModels = []string{"realesrgan-x4plus", "realesrgan-x4plus-anime"}

// Well-known artifact names used throughout the pipeline.
const (
	NameRealesrgan = "realesrgan"
	NameBirefnet   = "birefnet"
	NameGFPGAN     = "gfpgan"
	NameFaceFinder = "facefinder"
)

const (
	realesrganRelease = "https://github.com/xinntao/Real-ESRGAN/releases/download/v0.2.5.0/realesrgan-ncnn-vulkan-20220424-"
	birefnetURL       = "https://github.com/ZhengPeng7/BiRefNet/releases/download/v1/BiRefNet-general-bb_swin_v1_tiny-epoch_232.onnx"
	gfpganURL         = "https://github.com/facefusion/facefusion-assets/releases/download/models/gfpgan_1.4.onnx"
	faceCascadeURL    = "https://raw.githubusercontent.com/esimov/pigo/master/cascade/facefinder"
)

// Catalog builds the artifact set for the configured models directory.
// URL fields in cfg override the published release assets.
func Catalog(cfg *config.Models) []Artifact {
	exe := "realesrgan-ncnn-vulkan"
	if runtime.GOOS == "windows" {
		exe += ".exe"
	}

	zipURL := cfg.RealesrganZip
	if zipURL == "" {
		zipURL = realesrganRelease + realesrganPlatform() + ".zip"
	}
	bURL := cfg.BirefnetURL
	if bURL == "" {
		bURL = birefnetURL
	}
	gURL := cfg.GFPGANURL
	if gURL == "" {
		gURL = gfpganURL
	}
	fURL := cfg.FaceCascadeURL
	if fURL == "" {
		fURL = faceCascadeURL
	}

	return []Artifact{
		{
			Name:    NameRealesrgan,
			Path:    filepath.Join(cfg.Dir, exe),
			URL:     zipURL,
			Archive: true,
			ExeName: exe,
		},
		{
			Name: NameBirefnet,
			Path: filepath.Join(cfg.Dir, "birefnet-general.onnx"),
			URL:  bURL,
		},
		{
			Name: NameGFPGAN,
			Path: filepath.Join(cfg.Dir, "gfpgan-1.4.onnx"),
			URL:  gURL,
		},
		{
			Name: NameFaceFinder,
			Path: filepath.Join(cfg.Dir, "facefinder"),
			URL:  fURL,
		},
	}
}

func realesrganPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "windows"
	case "darwin":
		return "macos"
	default:
		return "ubuntu"
	}
}

// FindModelsDir locates the directory holding the upscaler's
// .param/.bin files under dir. Release zips carry them in a models/
// folder, sometimes nested inside a versioned subdirectory; when no
// model files exist yet, dir itself is returned.
func FindModelsDir(dir string) string {
	found := dir
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if hasParamFiles(path) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

func hasParamFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".param") {
			return true
		}
	}
	return false
}

// ListModels returns the upscaler model names installed under dir. A
// model is usable only when both its .bin and .param files are present.
// Before any install the release defaults are reported, since ensuring
// the upscaler brings them along.
func ListModels(dir string) []string {
	entries, err := os.ReadDir(FindModelsDir(dir))
	if err != nil {
		return append([]string(nil), defaultUpscalerModels...)
	}

	bins := make(map[string]bool)
	params := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".bin"):
			bins[strings.TrimSuffix(name, ".bin")] = true
		case strings.HasSuffix(name, ".param"):
			params[strings.TrimSuffix(name, ".param")] = true
		}
	}

	var models []string
	for name := range bins {
		if params[name] {
			models = append(models, name)
		}
	}
	if len(models) == 0 {
		return append([]string(nil), defaultUpscalerModels...)
	}
	sort.Strings(models)
	return models
}
