// Package config reconciles environment variables, the system
// directory layout and the marian decoder config into one immutable
// session configuration. Precedence, lowest first: built-in defaults,
// environment, marian config file, CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config is loaded once per session and passed into every component.
type Config struct {
	SystemsDir        string
	System            string
	SrcLang           string
	TgtLang           string
	Mode              string
	MarianBuildDir    string
	NBestWordsDir     string
	NBest             bool
	NBestWords        bool
	MaxSentenceLength int
	BatchSize         int
	Devices           string
	CPUCount          int
	Format            string
	Query             bool
	Purge             bool
	MarianURL         string
	PipelineHost      string
	PipelinePort      int
	LogLevel          string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE", "No", "NO":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func Load() Config {
	rootDir := getenv("ROOT_DIR", "/mt")
	marianPort := getenvInt("MARIAN_PORT", 8080)
	return Config{
		SystemsDir:        getenv("SYSTEMS_DIR", filepath.Join(rootDir, "systems")),
		System:            getenv("SYSTEM", ""),
		SrcLang:           getenv("SRC", ""),
		TgtLang:           getenv("TGT", ""),
		Mode:              getenv("MODE", "DEFAULT"),
		MarianBuildDir:    getenv("MARIAN_BUILD_DIR", filepath.Join(rootDir, "marian-dev", "build")),
		NBestWordsDir:     getenv("NBEST_WORDS_BUILD_DIR", filepath.Join(rootDir, "marian-nbest-words", "build")),
		NBest:             getenvBool("NBEST", false),
		NBestWords:        getenvBool("NBEST_WORDS", false),
		MaxSentenceLength: getenvInt("MAX_SENTENCE_LENGTH", 200),
		BatchSize:         getenvInt("BATCH_SIZE", 0),
		Devices:           getenv("DEVICES", ""),
		CPUCount:          getenvInt("CPU_COUNT", defaultCPUCount()),
		Format:            getenv("FMT", "json"),
		Query:             getenvBool("QUERY", false),
		Purge:             getenvBool("PURGE", true),
		MarianURL:         getenv("MARIAN", fmt.Sprintf("ws://127.0.0.1:%d", marianPort)),
		PipelineHost:      getenv("PIPELINE_HOST", "0.0.0.0"),
		PipelinePort:      getenvInt("PIPELINE_PORT", 8081),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}
}

// Leave headroom for the decoder itself.
func defaultCPUCount() int {
	n := runtime.NumCPU()/2 - 1
	if n < 1 {
		return 1
	}
	return n
}
