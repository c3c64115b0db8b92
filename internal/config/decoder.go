package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// System tables. Most systems follow the {src}{tgt} naming scheme, but
// it is not guaranteed, so systems with several language directions,
// query-guided variants and placeholder-passthrough models are mapped
// explicitly.
var (
	systemLangs = map[string][][2]string{
		"kkenru": {
			{"kk", "en"}, {"en", "kk"}, {"kk", "ru"},
			{"ru", "kk"}, {"en", "ru"}, {"ru", "en"},
		},
	}
	querySystems = map[string]string{
		"kken": "kken_query",
		"kaen": "kaen_query",
	}
	systemProcessors = map[string][]string{
		"kkenru":     {"multilingual", "subword"},
		"kken_query": {"query", "subword"},
		"kaen_query": {"query", "subword"},
	}
	defaultProcessors  = []string{"subword"}
	passthroughSystems = map[string]bool{
		"kaen":       true,
		"enka":       true,
		"kaen_query": true,
	}
	modeConfigs = map[string]string{
		"DEFAULT":  "config.yml",
		"accurate": "config.yml",
		"fast":     "config-fast.yml",
	}
)

// DecoderSettings is everything needed to spawn and talk to one
// decoder: the full argv, the per-line token budget, the n-best width
// and the processor stages for this system.
type DecoderSettings struct {
	Cmd               []string
	System            string
	MarianConfig      string
	Processors        []string
	BatchSize         int
	MaxSentenceLength int
	NBest             int
	NBestWords        bool
	Format            string
	ExtractTags       bool
}

// marian config keys the pipeline itself needs to know about.
type marianConfig struct {
	BeamSize       int `yaml:"beam-size"`
	MiniBatch      int `yaml:"mini-batch"`
	MaxLength      int `yaml:"max-length"`
	MiniBatchWords int `yaml:"mini-batch-words"`
}

// Resolve finds the system directory, reads its marian config and
// builds the decoder command. Set server to build a marian-server
// command instead of marian-decoder. extraArgs are appended user
// arguments and win over everything (a -c in extraArgs overrides the
// discovered config).
func Resolve(cfg Config, server bool, extraArgs []string) (DecoderSettings, error) {
	system, err := findSystem(cfg)
	if err != nil {
		return DecoderSettings{}, err
	}

	marian, err := findMarian(cfg, server)
	if err != nil {
		return DecoderSettings{}, err
	}

	configPath := argAfter(extraArgs, "-c", "--config")
	if configPath == "" {
		configPath = filepath.Join(cfg.SystemsDir, system, modeConfig(cfg.Mode))
		if _, err := os.Stat(configPath); err != nil {
			return DecoderSettings{}, fmt.Errorf("marian config not found: %s", configPath)
		}
		extraArgs = append(extraArgs, "-c", configPath)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return DecoderSettings{}, fmt.Errorf("reading marian config: %w", err)
	}
	var mc marianConfig
	if err := yaml.Unmarshal(raw, &mc); err != nil {
		return DecoderSettings{}, fmt.Errorf("parsing marian config %s: %w", configPath, err)
	}

	maxLen := mc.MaxLength
	if maxLen == 0 {
		maxLen = mc.MiniBatchWords
	}
	if v := argAfter(extraArgs, "--max-length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return DecoderSettings{}, fmt.Errorf("invalid --max-length %q: %w", v, err)
		}
		maxLen = n
	}
	if maxLen == 0 {
		maxLen = cfg.MaxSentenceLength
	}

	nBest := 1
	if cfg.NBest || hasArg(extraArgs, "--n-best") {
		nBest = mc.BeamSize
		if nBest < 1 {
			nBest = 1
		}
	}
	if nBest > 1 && !hasArg(extraArgs, "--n-best") {
		extraArgs = append(extraArgs, "--n-best")
	}

	if cfg.Devices != "" && !hasArg(extraArgs, "--devices") {
		extraArgs = append(extraArgs, "--devices")
		// marian wants "0 1 2", users often write "0,1,2"
		extraArgs = append(extraArgs, strings.Fields(strings.ReplaceAll(cfg.Devices, ",", " "))...)
	} else if !hasArg(extraArgs, "--devices") && !hasArg(extraArgs, "--cpu-threads") {
		extraArgs = append(extraArgs, "--cpu-threads", fmt.Sprint(cfg.CPUCount))
	}

	batch := mc.MiniBatch
	if cfg.BatchSize > 0 {
		batch = cfg.BatchSize
	}

	procs, ok := systemProcessors[system]
	if !ok {
		procs = defaultProcessors
	}

	ds := DecoderSettings{
		Cmd:               append([]string{marian}, extraArgs...),
		System:            system,
		MarianConfig:      configPath,
		Processors:        procs,
		BatchSize:         batch,
		MaxSentenceLength: maxLen,
		NBest:             nBest,
		NBestWords:        cfg.NBestWords,
		Format:            cfg.Format,
		ExtractTags:       passthroughSystems[system],
	}
	log.Debug().
		Str("system", system).
		Strs("cmd", ds.Cmd).
		Int("n_best", nBest).
		Int("max_sentence_length", maxLen).
		Msg("decoder settings resolved")
	return ds, nil
}

// findSystem infers the system directory from SYSTEM or from the
// SRC/TGT combination, falling back to the multi-direction tables.
func findSystem(cfg Config) (string, error) {
	target := cfg.System
	if target == "" {
		if cfg.SrcLang == "" || cfg.TgtLang == "" {
			return "", fmt.Errorf("source/target languages not set; use SRC/TGT or SYSTEM")
		}
		target = cfg.SrcLang + cfg.TgtLang
	}
	if cfg.Query {
		if q, ok := querySystems[target]; ok {
			target = q
		}
	}

	entries, err := os.ReadDir(cfg.SystemsDir)
	if err != nil {
		return "", fmt.Errorf("reading systems dir %s: %w", cfg.SystemsDir, err)
	}
	installed := make(map[string]bool, len(entries))
	var names []string
	for _, e := range entries {
		installed[e.Name()] = true
		names = append(names, e.Name())
	}
	if installed[target] {
		return target, nil
	}

	// maybe a multi-direction system covers this language pair
	var possible []string
	for name, dirs := range systemLangs {
		for _, d := range dirs {
			if d[0]+d[1] == target {
				possible = append(possible, name)
			}
		}
	}
	switch len(possible) {
	case 1:
		return possible[0], nil
	case 0:
		return "", fmt.Errorf("unrecognized system %q; expected one of %v", target, names)
	default:
		return "", fmt.Errorf("multiple systems for %q, set SYSTEM to one of %v", target, possible)
	}
}

func findMarian(cfg Config, server bool) (string, error) {
	buildDir := cfg.MarianBuildDir
	if cfg.NBestWords {
		buildDir = cfg.NBestWordsDir
	}
	name := "marian-decoder"
	if server {
		name = "marian-server"
	}
	marian := filepath.Join(buildDir, name)
	if _, err := os.Stat(marian); err != nil {
		return "", fmt.Errorf("marian not found: %s", marian)
	}
	return marian, nil
}

func modeConfig(mode string) string {
	if name, ok := modeConfigs[mode]; ok {
		return name
	}
	return modeConfigs["DEFAULT"]
}

func hasArg(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

// argAfter returns the value following the first of the given flag
// spellings, or "".
func argAfter(args []string, names ...string) string {
	for i, a := range args {
		for _, n := range names {
			if a == n && i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}
